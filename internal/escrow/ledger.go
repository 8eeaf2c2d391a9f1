// Package escrow implements the escrowed asset-swap ledger.
//
// The ledger takes custody of a seller's deposit when an order is created and
// releases value only through terminal transitions: fulfillment swaps the
// deposit for the buyer's payment, cancellation refunds the seller. Order
// state lives in memory and is authoritative; persistence is a write-behind
// archive fed from the event bus.
package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/escrowd/errs"
	"github.com/coachpo/escrowd/internal/assets"
	"github.com/coachpo/escrowd/internal/bus/eventbus"
	"github.com/coachpo/escrowd/internal/observability"
	"github.com/coachpo/escrowd/internal/schema"
	"github.com/coachpo/escrowd/internal/telemetry"
)

// Ledger is the escrow order book. All value movement goes through the
// configured transfer service; the ledger itself only tracks order terms
// and lifecycle status.
//
// The mutex guards the order map and is never held across transfer-service
// calls. Terminal status is recorded before any outbound transfer, so a
// reentrant call arriving from inside a transfer observes the order as
// already closed.
type Ledger struct {
	custodian schema.AccountID
	transfers assets.TransferService
	bus       eventbus.Bus

	mu     sync.Mutex
	orders map[uint64]*schema.Order
	nextID uint64

	createdCounter   metric.Int64Counter
	settledCounter   metric.Int64Counter
	cancelledCounter metric.Int64Counter
	openOrdersGauge  metric.Int64UpDownCounter
	errorCounter     metric.Int64Counter
	opDuration       metric.Float64Histogram
}

// NewLedger constructs an escrow ledger holding custody under the given
// account, moving value through transfers and announcing lifecycle
// transitions on bus. bus may be nil when notifications are not needed.
func NewLedger(custodian schema.AccountID, transfers assets.TransferService, bus eventbus.Bus) *Ledger {
	l := &Ledger{
		custodian: custodian,
		transfers: transfers,
		bus:       bus,
		orders:    make(map[uint64]*schema.Order),
		nextID:    0,
	}

	meter := otel.Meter("escrow")
	l.createdCounter, _ = meter.Int64Counter("escrow.orders.created",
		metric.WithDescription("Number of escrow orders created"),
		metric.WithUnit("{order}"))
	l.settledCounter, _ = meter.Int64Counter("escrow.orders.settled",
		metric.WithDescription("Number of escrow orders settled by fulfillment"),
		metric.WithUnit("{order}"))
	l.cancelledCounter, _ = meter.Int64Counter("escrow.orders.cancelled",
		metric.WithDescription("Number of escrow orders cancelled by their seller"),
		metric.WithUnit("{order}"))
	l.openOrdersGauge, _ = meter.Int64UpDownCounter("escrow.orders.open",
		metric.WithDescription("Number of escrow orders currently open"),
		metric.WithUnit("{order}"))
	l.errorCounter, _ = meter.Int64Counter("escrow.errors",
		metric.WithDescription("Number of escrow operation failures by code"),
		metric.WithUnit("{error}"))
	l.opDuration, _ = meter.Float64Histogram("escrow.operation.duration",
		metric.WithDescription("Escrow ledger operation duration"),
		metric.WithUnit("ms"))

	return l
}

// Custodian returns the account the ledger holds deposits under.
func (l *Ledger) Custodian() schema.AccountID { return l.custodian }

// CreateOrder takes custody of the seller's deposit and opens a new order.
//
// The seller must have authorized the ledger to withdraw at least sellAmount
// of sellAsset beforehand; the deposit is pulled in full before the order
// exists, so a failed deposit leaves no trace and consumes no order id.
func (l *Ledger) CreateOrder(ctx context.Context, seller schema.AccountID, sellAsset schema.AssetID, sellAmount decimal.Decimal, buyAsset schema.AssetID, buyAmount decimal.Decimal) (schema.Order, error) {
	start := time.Now()
	var opErr error
	defer func() { l.recordOp(ctx, "create", start, opErr) }()

	if err := validateTerms(seller, sellAsset, sellAmount, buyAsset, buyAmount); err != nil {
		opErr = err
		return schema.Order{}, err
	}

	authorized, err := l.transfers.AuthorizedAmount(ctx, seller, l.custodian, sellAsset)
	if err != nil {
		opErr = errs.New("escrow/create", errs.CodeOf(err), errs.WithCause(err),
			errs.WithMessage("authorization lookup failed"))
		return schema.Order{}, opErr
	}
	if authorized.LessThan(sellAmount) {
		opErr = errs.New("escrow/create", errs.CodeUnauthorized,
			errs.WithMessage("deposit authorization below sell amount"),
			errs.WithField("sell_asset", string(sellAsset)),
			errs.WithField("authorized", authorized.String()),
			errs.WithField("required", sellAmount.String()))
		return schema.Order{}, opErr
	}

	if err := l.transfers.TransferFrom(ctx, seller, l.custodian, sellAsset, sellAmount); err != nil {
		opErr = errs.New("escrow/create", errs.CodeOf(err), errs.WithCause(err),
			errs.WithMessage("deposit transfer failed"))
		return schema.Order{}, opErr
	}

	l.mu.Lock()
	l.nextID++
	order := &schema.Order{
		ID:         l.nextID,
		Seller:     seller,
		SellAsset:  sellAsset,
		SellAmount: sellAmount,
		BuyAsset:   buyAsset,
		BuyAmount:  buyAmount,
		Status:     schema.StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}
	l.orders[order.ID] = order
	snapshot := order.Clone()
	l.mu.Unlock()

	if l.createdCounter != nil {
		attrs := telemetry.OrderAttributes(telemetry.Environment(), string(sellAsset), string(buyAsset), string(schema.StatusOpen))
		l.createdCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if l.openOrdersGauge != nil {
		l.openOrdersGauge.Add(ctx, 1)
	}

	l.publish(ctx, schema.NewOrderCreatedEvent(snapshot))
	observability.Log().Info("escrow order created",
		observability.Field{Key: "order_id", Value: snapshot.ID},
		observability.Field{Key: "seller", Value: string(seller)},
		observability.Field{Key: "sell_asset", Value: string(sellAsset)},
		observability.Field{Key: "sell_amount", Value: sellAmount.String()},
		observability.Field{Key: "buy_asset", Value: string(buyAsset)},
		observability.Field{Key: "buy_amount", Value: buyAmount.String()})

	return snapshot, nil
}

// FulfillOrder settles an open order: the buyer pays the seller the demanded
// amount and receives the escrowed deposit.
//
// The order is marked settled before either transfer runs, closing the window
// for reentrant or concurrent transitions; a transfer failure reverts the
// order to open.
func (l *Ledger) FulfillOrder(ctx context.Context, buyer schema.AccountID, orderID uint64) error {
	start := time.Now()
	var opErr error
	defer func() { l.recordOp(ctx, "fulfill", start, opErr) }()

	if buyer == "" {
		opErr = errs.New("escrow/fulfill", errs.CodeInvalidParams,
			errs.WithOrderID(orderID), errs.WithMessage("buyer account required"))
		return opErr
	}

	l.mu.Lock()
	order, ok := l.orders[orderID]
	if !ok {
		l.mu.Unlock()
		opErr = errs.New("escrow/fulfill", errs.CodeNotFound, errs.WithOrderID(orderID))
		return opErr
	}
	if order.Status != schema.StatusOpen {
		status := order.Status
		l.mu.Unlock()
		opErr = errs.New("escrow/fulfill", errs.CodeNotOpen,
			errs.WithOrderID(orderID),
			errs.WithField("status", string(status)))
		return opErr
	}
	order.Status = schema.StatusSettled
	terms := order.Clone()
	l.mu.Unlock()

	revert := func() {
		l.mu.Lock()
		if current, ok := l.orders[orderID]; ok && current.Status == schema.StatusSettled {
			current.Status = schema.StatusOpen
		}
		l.mu.Unlock()
	}

	authorized, err := l.transfers.AuthorizedAmount(ctx, buyer, l.custodian, terms.BuyAsset)
	if err != nil {
		revert()
		opErr = errs.New("escrow/fulfill", errs.CodeOf(err), errs.WithCause(err),
			errs.WithOrderID(orderID), errs.WithMessage("authorization lookup failed"))
		return opErr
	}
	if authorized.LessThan(terms.BuyAmount) {
		revert()
		opErr = errs.New("escrow/fulfill", errs.CodeUnauthorized,
			errs.WithOrderID(orderID),
			errs.WithMessage("payment authorization below buy amount"),
			errs.WithField("buy_asset", string(terms.BuyAsset)),
			errs.WithField("authorized", authorized.String()),
			errs.WithField("required", terms.BuyAmount.String()))
		return opErr
	}

	if err := l.settle(ctx, buyer, terms); err != nil {
		revert()
		opErr = err
		return opErr
	}

	if l.settledCounter != nil {
		attrs := telemetry.OrderAttributes(telemetry.Environment(), string(terms.SellAsset), string(terms.BuyAsset), string(schema.StatusSettled))
		l.settledCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if l.openOrdersGauge != nil {
		l.openOrdersGauge.Add(ctx, -1)
	}

	l.publish(ctx, schema.NewOrderFulfilledEvent(orderID, buyer))
	observability.Log().Info("escrow order fulfilled",
		observability.Field{Key: "order_id", Value: orderID},
		observability.Field{Key: "buyer", Value: string(buyer)},
		observability.Field{Key: "seller", Value: string(terms.Seller)})

	return nil
}

// settle runs the two settlement legs: the buyer's payment to the seller,
// then the custody release to the buyer. When the transfer service supports
// transactions both legs commit or roll back together; otherwise they run
// sequentially with the payment leg first, so a payment failure leaves the
// deposit untouched.
func (l *Ledger) settle(ctx context.Context, buyer schema.AccountID, terms schema.Order) error {
	legs := func(ctx context.Context) error {
		if err := l.transfers.TransferFrom(ctx, buyer, terms.Seller, terms.BuyAsset, terms.BuyAmount); err != nil {
			return errs.New("escrow/fulfill", errs.CodeOf(err), errs.WithCause(err),
				errs.WithOrderID(terms.ID), errs.WithMessage("payment transfer failed"))
		}
		if err := l.transfers.Transfer(ctx, buyer, terms.SellAsset, terms.SellAmount); err != nil {
			// Custody always holds the full deposit of every open order, so
			// this leg only fails on a collaborator fault. Inside a
			// transaction the payment leg rolls back with it.
			return errs.New("escrow/fulfill", errs.CodeOf(err), errs.WithCause(err),
				errs.WithOrderID(terms.ID), errs.WithMessage("custody release failed"))
		}
		return nil
	}

	if runner, ok := l.transfers.(assets.TxRunner); ok {
		return runner.WithTransaction(ctx, legs)
	}
	return legs(ctx)
}

// CancelOrder closes an open order and refunds the escrowed deposit to its
// seller. Only the seller may cancel. Like fulfillment, the terminal status
// is recorded before the refund moves, and reverted if the refund fails.
func (l *Ledger) CancelOrder(ctx context.Context, caller schema.AccountID, orderID uint64) error {
	start := time.Now()
	var opErr error
	defer func() { l.recordOp(ctx, "cancel", start, opErr) }()

	l.mu.Lock()
	order, ok := l.orders[orderID]
	if !ok {
		l.mu.Unlock()
		opErr = errs.New("escrow/cancel", errs.CodeNotFound, errs.WithOrderID(orderID))
		return opErr
	}
	if caller != order.Seller {
		l.mu.Unlock()
		opErr = errs.New("escrow/cancel", errs.CodeNotOwner,
			errs.WithOrderID(orderID),
			errs.WithField("caller", string(caller)))
		return opErr
	}
	if order.Status != schema.StatusOpen {
		status := order.Status
		l.mu.Unlock()
		opErr = errs.New("escrow/cancel", errs.CodeNotOpen,
			errs.WithOrderID(orderID),
			errs.WithField("status", string(status)))
		return opErr
	}
	order.Status = schema.StatusCancelled
	terms := order.Clone()
	l.mu.Unlock()

	if err := l.transfers.Transfer(ctx, terms.Seller, terms.SellAsset, terms.SellAmount); err != nil {
		l.mu.Lock()
		if current, ok := l.orders[orderID]; ok && current.Status == schema.StatusCancelled {
			current.Status = schema.StatusOpen
		}
		l.mu.Unlock()
		opErr = errs.New("escrow/cancel", errs.CodeOf(err), errs.WithCause(err),
			errs.WithOrderID(orderID), errs.WithMessage("refund transfer failed"))
		return opErr
	}

	if l.cancelledCounter != nil {
		attrs := telemetry.OrderAttributes(telemetry.Environment(), string(terms.SellAsset), string(terms.BuyAsset), string(schema.StatusCancelled))
		l.cancelledCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if l.openOrdersGauge != nil {
		l.openOrdersGauge.Add(ctx, -1)
	}

	l.publish(ctx, schema.NewOrderCancelledEvent(orderID))
	observability.Log().Info("escrow order cancelled",
		observability.Field{Key: "order_id", Value: orderID},
		observability.Field{Key: "seller", Value: string(terms.Seller)})

	return nil
}

// GetOrder returns a snapshot of the order with the given id.
func (l *Ledger) GetOrder(orderID uint64) (schema.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	order, ok := l.orders[orderID]
	if !ok {
		return schema.Order{}, errs.New("escrow/get", errs.CodeNotFound, errs.WithOrderID(orderID))
	}
	return order.Clone(), nil
}

// ListOrders returns snapshots of all orders, ordered by id. When status is
// non-empty only orders in that state are returned.
func (l *Ledger) ListOrders(status schema.OrderStatus) []schema.Order {
	l.mu.Lock()
	out := make([]schema.Order, 0, len(l.orders))
	for _, order := range l.orders {
		if status != "" && order.Status != status {
			continue
		}
		out = append(out, order.Clone())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CustodialBalance reports the deposit total the ledger should be holding for
// the given asset: the sum of sell amounts across open orders.
func (l *Ledger) CustodialBalance(asset schema.AssetID) decimal.Decimal {
	total := decimal.Zero
	l.mu.Lock()
	for _, order := range l.orders {
		if order.Status == schema.StatusOpen && order.SellAsset == asset {
			total = total.Add(order.SellAmount)
		}
	}
	l.mu.Unlock()
	return total
}

// VerifySolvency checks that the custodial account holds at least the
// expected deposit total for every asset with open orders. It requires the
// transfer service to expose balance lookups.
func (l *Ledger) VerifySolvency(ctx context.Context) error {
	reader, ok := l.transfers.(assets.BalanceReader)
	if !ok {
		return errs.New("escrow/solvency", errs.CodeUnavailable,
			errs.WithMessage("transfer service does not expose balances"))
	}

	expected := make(map[schema.AssetID]decimal.Decimal)
	l.mu.Lock()
	for _, order := range l.orders {
		if order.Status != schema.StatusOpen {
			continue
		}
		expected[order.SellAsset] = expected[order.SellAsset].Add(order.SellAmount)
	}
	l.mu.Unlock()

	var failures []error
	for asset, want := range expected {
		held, err := reader.BalanceOf(ctx, l.custodian, asset)
		if err != nil {
			failures = append(failures, errs.New("escrow/solvency", errs.CodeOf(err),
				errs.WithCause(err), errs.WithField("asset", string(asset))))
			continue
		}
		if held.LessThan(want) {
			failures = append(failures, errs.New("escrow/solvency", errs.CodeInternal,
				errs.WithMessage("custody below open-order deposits"),
				errs.WithField("asset", string(asset)),
				errs.WithField("held", held.String()),
				errs.WithField("expected", want.String())))
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return observability.AggregateErrors("solvency check", failures,
		observability.Field{Key: "custodian", Value: string(l.custodian)})
}

// publish sends a lifecycle notification. Delivery is best effort: the order
// transition has already committed, so bus failures are logged, not surfaced.
func (l *Ledger) publish(ctx context.Context, evt *schema.Event) {
	if l.bus == nil || evt == nil {
		return
	}
	if err := l.bus.Publish(ctx, evt); err != nil {
		observability.Log().Error("event publish failed",
			observability.Field{Key: "event_type", Value: string(evt.Type)},
			observability.Field{Key: "order_id", Value: evt.OrderID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (l *Ledger) recordOp(ctx context.Context, operation string, start time.Time, opErr error) {
	result := "success"
	if opErr != nil {
		result = string(errs.CodeOf(opErr))
		if l.errorCounter != nil {
			attrs := telemetry.ErrorAttributes(telemetry.Environment(), result, operation)
			l.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	}
	if l.opDuration != nil {
		attrs := telemetry.OperationResultAttributes(telemetry.Environment(), operation, result)
		l.opDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	}
}

func validateTerms(seller schema.AccountID, sellAsset schema.AssetID, sellAmount decimal.Decimal, buyAsset schema.AssetID, buyAmount decimal.Decimal) error {
	switch {
	case seller == "":
		return errs.New("escrow/create", errs.CodeInvalidParams, errs.WithMessage("seller account required"))
	case sellAsset == "":
		return errs.New("escrow/create", errs.CodeInvalidParams, errs.WithMessage("sell asset required"))
	case buyAsset == "":
		return errs.New("escrow/create", errs.CodeInvalidParams, errs.WithMessage("buy asset required"))
	case !sellAmount.IsPositive():
		return errs.New("escrow/create", errs.CodeInvalidParams,
			errs.WithMessage("sell amount must be positive"),
			errs.WithField("sell_amount", sellAmount.String()))
	case !buyAmount.IsPositive():
		return errs.New("escrow/create", errs.CodeInvalidParams,
			errs.WithMessage("buy amount must be positive"),
			errs.WithField("buy_amount", buyAmount.String()))
	}
	return nil
}
