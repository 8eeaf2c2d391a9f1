// Package assets defines the fungible-asset transfer collaborator contract.
//
// The escrow ledger never stores account balances itself; it moves value
// exclusively through a TransferService, acting under the depositing caller's
// authorization (allowance) or releasing its own custodial holdings.
package assets

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/escrowd/internal/schema"
)

// TransferService is the narrow interface the escrow ledger requires from a
// fungible-asset ledger.
type TransferService interface {
	// AuthorizedAmount reports how much of asset the spender may currently
	// withdraw from holder.
	AuthorizedAmount(ctx context.Context, holder, spender schema.AccountID, asset schema.AssetID) (decimal.Decimal, error)

	// TransferFrom moves amount of asset from holder to recipient, consuming
	// the caller's authorization when holder is a third party. Fails without
	// effect when balance or authorization is insufficient.
	TransferFrom(ctx context.Context, holder, recipient schema.AccountID, asset schema.AssetID, amount decimal.Decimal) error

	// Transfer moves amount of asset out of the caller's own custodial
	// holdings to recipient.
	Transfer(ctx context.Context, recipient schema.AccountID, asset schema.AssetID, amount decimal.Decimal) error
}

// BalanceReader is an optional capability exposing balance lookups, used for
// custody solvency audits. Discovered via type assertion.
type BalanceReader interface {
	BalanceOf(ctx context.Context, holder schema.AccountID, asset schema.AssetID) (decimal.Decimal, error)
}

// TxRunner is an optional capability grouping several transfers into an
// all-or-nothing unit. Implementations roll every movement made inside fn
// back when fn returns an error. Discovered via type assertion; callers fall
// back to sequential transfers when absent.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(context.Context) error) error
}
