// Package schema defines the canonical escrow domain types shared across layers.
package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies a balance-holding account on the asset ledger.
type AccountID string

// AssetID identifies a fungible asset type.
type AssetID string

// OrderStatus captures the escrow order lifecycle.
type OrderStatus string

const (
	// StatusOpen marks an order whose deposit is held in custody awaiting settlement.
	StatusOpen OrderStatus = "open"
	// StatusSettled marks an order completed by an atomic bilateral exchange.
	StatusSettled OrderStatus = "settled"
	// StatusCancelled marks an order whose deposit was reclaimed by the seller.
	StatusCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusSettled || s == StatusCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusSettled, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is a seller's standing offer to exchange a custodied amount of one
// asset for a specified amount of another. Identifiers are assigned
// monotonically starting at 1 and never reused; records are only ever
// status-transitioned, never deleted.
type Order struct {
	ID         uint64          `json:"id"`
	Seller     AccountID       `json:"seller"`
	SellAsset  AssetID         `json:"sellAsset"`
	SellAmount decimal.Decimal `json:"sellAmount"`
	BuyAsset   AssetID         `json:"buyAsset"`
	BuyAmount  decimal.Decimal `json:"buyAmount"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Clone returns an independent copy of the order.
func (o Order) Clone() Order {
	// decimal.Decimal is immutable; a shallow copy is a deep copy.
	return o
}
