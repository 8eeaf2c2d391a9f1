// Package orderstore defines persistence contracts for the escrow order archive.
//
// The archive is write-behind: the in-memory escrow ledger is authoritative
// and the store records lifecycle history for audit and reporting.
package orderstore

import "context"

// Record represents the persisted snapshot of an escrow order.
// Amounts are stored as decimal strings to preserve precision across backends.
type Record struct {
	ID         uint64 `json:"id"`
	Seller     string `json:"seller"`
	Buyer      string `json:"buyer,omitempty"`
	SellAsset  string `json:"sellAsset"`
	SellAmount string `json:"sellAmount"`
	BuyAsset   string `json:"buyAsset"`
	BuyAmount  string `json:"buyAmount"`
	Status     string `json:"status"`
	CreatedAt  int64  `json:"createdAt"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// StatusUpdate captures a lifecycle transition for an archived order.
type StatusUpdate struct {
	ID       uint64 `json:"id"`
	Status   string `json:"status"`
	Buyer    string `json:"buyer,omitempty"`
	SettleAt int64  `json:"settleAt"`
}

// EventRecord represents a persisted lifecycle notification.
type EventRecord struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	OrderID   uint64 `json:"orderId"`
	Payload   []byte `json:"payload"`
	EmittedAt int64  `json:"emittedAt"`
}

// Query scopes archived order lookups.
type Query struct {
	Seller   string   `json:"seller,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Store defines the contract for escrow archive persistence.
type Store interface {
	InsertOrder(ctx context.Context, record Record) error
	UpdateOrderStatus(ctx context.Context, update StatusUpdate) error
	GetOrder(ctx context.Context, id uint64) (Record, error)
	ListOrders(ctx context.Context, query Query) ([]Record, error)
	AppendEvent(ctx context.Context, event EventRecord) error
}
