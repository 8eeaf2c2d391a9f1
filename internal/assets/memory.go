package assets

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/escrowd/errs"
	"github.com/coachpo/escrowd/internal/schema"
)

const memoryComponent = "assets/memory"

// TransferObserver is invoked after every completed balance movement. The
// ledger mutex is released before the observer runs, so observers may call
// back into any service built on top of this ledger.
type TransferObserver func(ctx context.Context, from, to schema.AccountID, asset schema.AssetID, amount decimal.Decimal)

// Ledger is an in-process fungible-asset bank: balances per account and
// asset, plus allowances granted by holders to spenders. The escrow service
// binds itself to one custodian account whose holdings Transfer draws from.
type Ledger struct {
	custodian schema.AccountID

	mu         sync.RWMutex
	balances   map[schema.AccountID]map[schema.AssetID]decimal.Decimal
	allowances map[schema.AccountID]map[schema.AccountID]map[schema.AssetID]decimal.Decimal

	txMu sync.Mutex

	observerMu sync.RWMutex
	observer   TransferObserver
}

// NewLedger constructs an empty ledger whose Transfer operations draw from
// the given custodian account.
func NewLedger(custodian schema.AccountID) *Ledger {
	return &Ledger{
		custodian:  custodian,
		balances:   make(map[schema.AccountID]map[schema.AssetID]decimal.Decimal),
		allowances: make(map[schema.AccountID]map[schema.AccountID]map[schema.AssetID]decimal.Decimal),
	}
}

// Custodian returns the account whose holdings back Transfer.
func (l *Ledger) Custodian() schema.AccountID { return l.custodian }

// SetTransferObserver registers an observer notified after each movement.
func (l *Ledger) SetTransferObserver(observer TransferObserver) {
	l.observerMu.Lock()
	l.observer = observer
	l.observerMu.Unlock()
}

// Mint credits account with amount of asset out of thin air.
func (l *Ledger) Mint(account schema.AccountID, asset schema.AssetID, amount decimal.Decimal) {
	if amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	l.credit(account, asset, amount)
	l.mu.Unlock()
}

// Approve grants spender the right to withdraw up to amount of asset from
// holder, replacing any prior grant.
func (l *Ledger) Approve(holder, spender schema.AccountID, asset schema.AssetID, amount decimal.Decimal) {
	l.mu.Lock()
	bySpender, ok := l.allowances[holder]
	if !ok {
		bySpender = make(map[schema.AccountID]map[schema.AssetID]decimal.Decimal)
		l.allowances[holder] = bySpender
	}
	byAsset, ok := bySpender[spender]
	if !ok {
		byAsset = make(map[schema.AssetID]decimal.Decimal)
		bySpender[spender] = byAsset
	}
	byAsset[asset] = amount
	l.mu.Unlock()
}

// AuthorizedAmount reports the remaining allowance granted by holder to spender.
func (l *Ledger) AuthorizedAmount(_ context.Context, holder, spender schema.AccountID, asset schema.AssetID) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowances[holder][spender][asset], nil
}

// BalanceOf reports the holder's balance for asset.
func (l *Ledger) BalanceOf(_ context.Context, holder schema.AccountID, asset schema.AssetID) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[holder][asset], nil
}

// TransferFrom moves amount of asset from holder to recipient under the
// custodian's authorization. Holders moving their own funds need no grant.
func (l *Ledger) TransferFrom(ctx context.Context, holder, recipient schema.AccountID, asset schema.AssetID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errs.New(memoryComponent, errs.CodeInvalidParams, errs.WithMessage("transfer amount must be positive"))
	}

	l.mu.Lock()
	if holder != l.custodian {
		granted := l.allowances[holder][l.custodian][asset]
		if granted.LessThan(amount) {
			l.mu.Unlock()
			return errs.New(memoryComponent, errs.CodeUnauthorized,
				errs.WithMessage("allowance exceeded"),
				errs.WithField("asset", string(asset)))
		}
	}
	if l.balances[holder][asset].LessThan(amount) {
		l.mu.Unlock()
		return errs.New(memoryComponent, errs.CodeTransferFailed,
			errs.WithMessage("insufficient balance"),
			errs.WithField("asset", string(asset)))
	}
	if holder != l.custodian {
		l.allowances[holder][l.custodian][asset] = l.allowances[holder][l.custodian][asset].Sub(amount)
	}
	l.debit(holder, asset, amount)
	l.credit(recipient, asset, amount)
	l.mu.Unlock()

	if journal := journalFrom(ctx); journal != nil {
		journal.record(move{
			from:             holder,
			to:               recipient,
			asset:            asset,
			amount:           amount,
			restoreAllowance: holder != l.custodian,
		})
	}

	l.notify(ctx, holder, recipient, asset, amount)
	return nil
}

// Transfer moves amount of asset from the custodian's holdings to recipient.
func (l *Ledger) Transfer(ctx context.Context, recipient schema.AccountID, asset schema.AssetID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errs.New(memoryComponent, errs.CodeInvalidParams, errs.WithMessage("transfer amount must be positive"))
	}

	l.mu.Lock()
	if l.balances[l.custodian][asset].LessThan(amount) {
		l.mu.Unlock()
		return errs.New(memoryComponent, errs.CodeTransferFailed,
			errs.WithMessage("insufficient custodial balance"),
			errs.WithField("asset", string(asset)))
	}
	l.debit(l.custodian, asset, amount)
	l.credit(recipient, asset, amount)
	l.mu.Unlock()

	if journal := journalFrom(ctx); journal != nil {
		journal.record(move{from: l.custodian, to: recipient, asset: asset, amount: amount})
	}

	l.notify(ctx, l.custodian, recipient, asset, amount)
	return nil
}

// txKey carries the active transaction journal through the context handed to fn.
type txKey struct{}

// move is one committed balance movement inside a transaction.
// restoreAllowance marks movements that consumed an allowance grant.
type move struct {
	from, to         schema.AccountID
	asset            schema.AssetID
	amount           decimal.Decimal
	restoreAllowance bool
}

type txJournal struct {
	mu    sync.Mutex
	moves []move
}

func (j *txJournal) record(m move) {
	j.mu.Lock()
	j.moves = append(j.moves, m)
	j.mu.Unlock()
}

func journalFrom(ctx context.Context) *txJournal {
	j, _ := ctx.Value(txKey{}).(*txJournal)
	return j
}

// WithTransaction runs fn and, when fn fails, reverts exactly the movements fn
// performed through the context it received. Work done outside that context,
// including transfers triggered by observers reacting to the transaction's own
// legs, is left standing. Transactions are serialized against each other;
// individual transfers outside a transaction are not blocked.
func (l *Ledger) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return errs.New(memoryComponent, errs.CodeInvalidParams, errs.WithMessage("transaction callback required"))
	}
	l.txMu.Lock()
	defer l.txMu.Unlock()

	journal := new(txJournal)
	if err := fn(context.WithValue(ctx, txKey{}, journal)); err != nil {
		l.rollback(journal)
		return err
	}
	return nil
}

// rollback applies the inverse of each journaled move, newest first.
func (l *Ledger) rollback(journal *txJournal) {
	journal.mu.Lock()
	moves := journal.moves
	journal.moves = nil
	journal.mu.Unlock()

	l.mu.Lock()
	for i := len(moves) - 1; i >= 0; i-- {
		m := moves[i]
		l.debit(m.to, m.asset, m.amount)
		l.credit(m.from, m.asset, m.amount)
		if m.restoreAllowance {
			l.allowances[m.from][l.custodian][m.asset] = l.allowances[m.from][l.custodian][m.asset].Add(m.amount)
		}
	}
	l.mu.Unlock()
}

func (l *Ledger) credit(account schema.AccountID, asset schema.AssetID, amount decimal.Decimal) {
	byAsset, ok := l.balances[account]
	if !ok {
		byAsset = make(map[schema.AssetID]decimal.Decimal)
		l.balances[account] = byAsset
	}
	byAsset[asset] = byAsset[asset].Add(amount)
}

func (l *Ledger) debit(account schema.AccountID, asset schema.AssetID, amount decimal.Decimal) {
	byAsset, ok := l.balances[account]
	if !ok {
		byAsset = make(map[schema.AssetID]decimal.Decimal)
		l.balances[account] = byAsset
	}
	byAsset[asset] = byAsset[asset].Sub(amount)
}

// notify invokes the observer with the journal detached: movements an
// observer triggers belong to the observer's caller, not to any transaction
// the observed transfer ran inside.
func (l *Ledger) notify(ctx context.Context, from, to schema.AccountID, asset schema.AssetID, amount decimal.Decimal) {
	l.observerMu.RLock()
	observer := l.observer
	l.observerMu.RUnlock()
	if observer == nil {
		return
	}
	if journalFrom(ctx) != nil {
		ctx = context.WithValue(ctx, txKey{}, (*txJournal)(nil))
	}
	observer(ctx, from, to, asset, amount)
}
