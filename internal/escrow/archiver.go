package escrow

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/escrowd/errs"
	"github.com/coachpo/escrowd/internal/bus/eventbus"
	"github.com/coachpo/escrowd/internal/domain/orderstore"
	"github.com/coachpo/escrowd/internal/observability"
	"github.com/coachpo/escrowd/internal/schema"
)

const (
	statusRetryInitialInterval = 10 * time.Millisecond
	statusRetryWindow          = 2 * time.Second
)

// Archiver consumes lifecycle events from the bus and persists them to the
// order archive. Persistence is write-behind: the in-memory ledger has
// already committed the transition, so archive failures are logged and the
// event is dropped rather than surfaced to the caller.
type Archiver struct {
	bus   eventbus.Bus
	store orderstore.Store
	pool  *concpool.Pool

	subs []eventbus.SubscriptionID
	wg   conc.WaitGroup
}

// NewArchiver constructs an archiver persisting bus events through store.
// workers bounds concurrent archive writes; a saturated pool applies
// backpressure to the consumers rather than dropping events.
func NewArchiver(bus eventbus.Bus, store orderstore.Store, workers int) *Archiver {
	if workers <= 0 {
		workers = 2
	}
	return &Archiver{
		bus:   bus,
		store: store,
		pool:  concpool.New().WithMaxGoroutines(workers),
	}
}

// Start subscribes to all lifecycle event types and begins archiving.
func (a *Archiver) Start(ctx context.Context) error {
	types := []schema.EventType{
		schema.EventTypeOrderCreated,
		schema.EventTypeOrderFulfilled,
		schema.EventTypeOrderCancelled,
	}
	for _, typ := range types {
		id, ch, err := a.bus.Subscribe(ctx, typ)
		if err != nil {
			a.unsubscribeAll()
			return err
		}
		a.subs = append(a.subs, id)
		events := ch
		a.wg.Go(func() {
			a.consume(ctx, events)
		})
	}
	return nil
}

// Close unsubscribes from the bus, drains consumers, and waits for in-flight
// archive writes. The context bounds the wait.
func (a *Archiver) Close(ctx context.Context) error {
	a.unsubscribeAll()
	a.wg.Wait()

	done := make(chan struct{})
	go func() {
		a.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) unsubscribeAll() {
	for _, id := range a.subs {
		a.bus.Unsubscribe(id)
	}
	a.subs = nil
}

func (a *Archiver) consume(ctx context.Context, events <-chan *schema.Event) {
	for evt := range events {
		if evt == nil {
			continue
		}
		event := evt
		a.pool.Go(func() {
			a.archive(ctx, event)
		})
	}
}

// updateStatus applies a terminal-status update, retrying while the archive
// row is missing. Lifecycle events arrive on independent per-type
// subscriptions, so a fulfillment or cancellation can overtake the insert for
// the same order; a not-found update is treated as a late insert and retried
// within a bounded window. Any other failure is final.
func (a *Archiver) updateStatus(ctx context.Context, update orderstore.StatusUpdate) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = statusRetryInitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := a.store.UpdateOrderStatus(ctx, update); err != nil {
			if errs.CodeOf(err) == errs.CodeNotFound {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(statusRetryWindow))
	return err
}

func (a *Archiver) archive(ctx context.Context, evt *schema.Event) {
	var err error
	switch evt.Type {
	case schema.EventTypeOrderCreated:
		err = a.store.InsertOrder(ctx, orderstore.Record{
			ID:         evt.OrderID,
			Seller:     string(evt.Seller),
			Buyer:      "",
			SellAsset:  string(evt.SellAsset),
			SellAmount: evt.SellAmount.String(),
			BuyAsset:   string(evt.BuyAsset),
			BuyAmount:  evt.BuyAmount.String(),
			Status:     string(schema.StatusOpen),
			CreatedAt:  evt.CreatedAt.UnixMilli(),
			UpdatedAt:  evt.EmittedAt.UnixMilli(),
		})
	case schema.EventTypeOrderFulfilled:
		err = a.updateStatus(ctx, orderstore.StatusUpdate{
			ID:       evt.OrderID,
			Status:   string(schema.StatusSettled),
			Buyer:    string(evt.Buyer),
			SettleAt: evt.EmittedAt.UnixMilli(),
		})
	case schema.EventTypeOrderCancelled:
		err = a.updateStatus(ctx, orderstore.StatusUpdate{
			ID:       evt.OrderID,
			Status:   string(schema.StatusCancelled),
			Buyer:    "",
			SettleAt: evt.EmittedAt.UnixMilli(),
		})
	default:
		return
	}
	if err != nil {
		observability.Log().Error("archive write failed",
			observability.Field{Key: "event_type", Value: string(evt.Type)},
			observability.Field{Key: "order_id", Value: evt.OrderID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}

	payload, marshalErr := json.Marshal(evt)
	if marshalErr != nil {
		observability.Log().Error("archive event encode failed",
			observability.Field{Key: "event_id", Value: evt.EventID},
			observability.Field{Key: "error", Value: marshalErr.Error()})
		return
	}
	emittedAt := evt.EmittedAt
	if emittedAt.IsZero() {
		emittedAt = time.Now().UTC()
	}
	if journalErr := a.store.AppendEvent(ctx, orderstore.EventRecord{
		EventID:   evt.EventID,
		Type:      string(evt.Type),
		OrderID:   evt.OrderID,
		Payload:   payload,
		EmittedAt: emittedAt.UnixMilli(),
	}); journalErr != nil {
		observability.Log().Error("archive journal append failed",
			observability.Field{Key: "event_id", Value: evt.EventID},
			observability.Field{Key: "error", Value: journalErr.Error()})
	}
}
