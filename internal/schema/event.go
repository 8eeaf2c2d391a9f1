package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a class of escrow notification.
type EventType string

const (
	// EventTypeOrderCreated announces a new open order and its full terms.
	EventTypeOrderCreated EventType = "escrow.order_created"
	// EventTypeOrderFulfilled announces a completed settlement and the buyer.
	EventTypeOrderFulfilled EventType = "escrow.order_fulfilled"
	// EventTypeOrderCancelled announces a seller reclaiming their deposit.
	EventTypeOrderCancelled EventType = "escrow.order_cancelled"
)

// Event is an escrow notification published on the event bus. Events are
// immutable once published; subscribers must not mutate them.
type Event struct {
	EventID   string    `json:"eventId"`
	Type      EventType `json:"type"`
	OrderID   uint64    `json:"orderId"`
	EmittedAt time.Time `json:"emittedAt"`

	// Order terms; fully populated for order_created, identifier-only
	// fields for fulfilled/cancelled per the notification contract.
	Seller     AccountID       `json:"seller,omitempty"`
	Buyer      AccountID       `json:"buyer,omitempty"`
	SellAsset  AssetID         `json:"sellAsset,omitempty"`
	SellAmount decimal.Decimal `json:"sellAmount,omitempty"`
	BuyAsset   AssetID         `json:"buyAsset,omitempty"`
	BuyAmount  decimal.Decimal `json:"buyAmount,omitempty"`
	CreatedAt  time.Time       `json:"createdAt,omitempty"`
}

// Clone returns an independent copy of the event for per-subscriber delivery.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := *e
	return &clone
}

// NewOrderCreatedEvent builds the notification announcing a freshly opened order.
func NewOrderCreatedEvent(order Order) *Event {
	return &Event{
		EventID:    uuid.NewString(),
		Type:       EventTypeOrderCreated,
		OrderID:    order.ID,
		EmittedAt:  time.Now().UTC(),
		Seller:     order.Seller,
		SellAsset:  order.SellAsset,
		SellAmount: order.SellAmount,
		BuyAsset:   order.BuyAsset,
		BuyAmount:  order.BuyAmount,
		CreatedAt:  order.CreatedAt,
	}
}

// NewOrderFulfilledEvent builds the notification announcing a settlement.
func NewOrderFulfilledEvent(orderID uint64, buyer AccountID) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		Type:      EventTypeOrderFulfilled,
		OrderID:   orderID,
		EmittedAt: time.Now().UTC(),
		Buyer:     buyer,
	}
}

// NewOrderCancelledEvent builds the notification announcing a cancellation.
func NewOrderCancelledEvent(orderID uint64) *Event {
	return &Event{
		EventID:   uuid.NewString(),
		Type:      EventTypeOrderCancelled,
		OrderID:   orderID,
		EmittedAt: time.Now().UTC(),
	}
}
