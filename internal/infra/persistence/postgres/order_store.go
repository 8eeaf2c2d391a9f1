package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/escrowd/errs"
	"github.com/coachpo/escrowd/internal/domain/orderstore"
)

// OrderStore persists escrow order lifecycle history.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO escrow_orders (
    id,
    seller,
    buyer,
    sell_asset,
    sell_amount,
    buy_asset,
    buy_amount,
    status,
    created_at,
    updated_at
)
VALUES (
    @id,
    @seller,
    @buyer,
    @sell_asset,
    @sell_amount,
    @buy_asset,
    @buy_amount,
    @status,
    to_timestamp(@created_at / 1000.0),
    to_timestamp(@updated_at / 1000.0)
)
ON CONFLICT (id) DO NOTHING;
`

	orderStatusUpdateSQL = `
UPDATE escrow_orders
SET status = @status,
    buyer = COALESCE(@buyer, buyer),
    updated_at = to_timestamp(@settle_at / 1000.0)
WHERE id = @id;
`

	eventInsertSQL = `
INSERT INTO escrow_events (
    event_id,
    event_type,
    order_id,
    payload,
    emitted_at
)
VALUES (
    @event_id,
    @event_type,
    @order_id,
    @payload::jsonb,
    to_timestamp(@emitted_at / 1000.0)
)
ON CONFLICT (event_id) DO NOTHING;
`

	orderSelectBase = `
SELECT
    o.id,
    o.seller,
    o.buyer,
    o.sell_asset,
    o.sell_amount::text,
    o.buy_asset,
    o.buy_amount::text,
    o.status,
    o.created_at,
    o.updated_at
FROM escrow_orders o
`

	defaultOrderLimit = 50
	maxOrderLimit     = 500
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// InsertOrder records a newly created order.
func (s *OrderStore) InsertOrder(ctx context.Context, record orderstore.Record) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if record.ID == 0 {
		return fmt.Errorf("order store: order id required")
	}
	sellAmount, err := numericFromString(record.SellAmount)
	if err != nil {
		return fmt.Errorf("order store: sell amount: %w", err)
	}
	buyAmount, err := numericFromString(record.BuyAmount)
	if err != nil {
		return fmt.Errorf("order store: buy amount: %w", err)
	}
	args := pgx.NamedArgs{
		"id":          int64(record.ID),
		"seller":      strings.TrimSpace(record.Seller),
		"buyer":       nullableString(record.Buyer),
		"sell_asset":  strings.TrimSpace(record.SellAsset),
		"sell_amount": sellAmount,
		"buy_asset":   strings.TrimSpace(record.BuyAsset),
		"buy_amount":  buyAmount,
		"status":      strings.TrimSpace(record.Status),
		"created_at":  record.CreatedAt,
		"updated_at":  record.UpdatedAt,
	}
	if _, err := pool.Exec(ctx, orderInsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert order: %w", err)
	}
	return nil
}

// UpdateOrderStatus applies a lifecycle transition to an archived order.
func (s *OrderStore) UpdateOrderStatus(ctx context.Context, update orderstore.StatusUpdate) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":        int64(update.ID),
		"status":    strings.TrimSpace(update.Status),
		"buyer":     nullableString(update.Buyer),
		"settle_at": update.SettleAt,
	}
	tag, err := pool.Exec(ctx, orderStatusUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("orderstore/postgres", errs.CodeNotFound, errs.WithOrderID(update.ID))
	}
	return nil
}

// GetOrder returns the archived snapshot for the given order id.
func (s *OrderStore) GetOrder(ctx context.Context, id uint64) (orderstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Record{}, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE o.id = $1", int64(id))
	record, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Record{}, errs.New("orderstore/postgres", errs.CodeNotFound, errs.WithOrderID(id))
		}
		return orderstore.Record{}, fmt.Errorf("order store: get order: %w", err)
	}
	return record, nil
}

// ListOrders retrieves archived orders matching the supplied query filters.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.Query) ([]orderstore.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Seller); trimmed != "" {
		fmt.Fprintf(&builder, " AND o.seller = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	statuses := normalizedStatuses(query.Statuses)
	if len(statuses) > 0 {
		fmt.Fprintf(&builder, " AND o.status = ANY($%d)", argPos)
		args = append(args, statuses)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY o.id ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	var records []orderstore.Record
	for rows.Next() {
		record, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return records, nil
}

// AppendEvent records a lifecycle notification in the journal.
func (s *OrderStore) AppendEvent(ctx context.Context, event orderstore.EventRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(event.EventID) == "" {
		return fmt.Errorf("order store: event id required")
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	args := pgx.NamedArgs{
		"event_id":   strings.TrimSpace(event.EventID),
		"event_type": strings.TrimSpace(event.Type),
		"order_id":   int64(event.OrderID),
		"payload":    payload,
		"emitted_at": event.EmittedAt,
	}
	if _, err := pool.Exec(ctx, eventInsertSQL, args); err != nil {
		return fmt.Errorf("order store: append event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (orderstore.Record, error) {
	var (
		id         int64
		seller     string
		buyerValue sql.NullString
		sellAsset  string
		sellAmount string
		buyAsset   string
		buyAmount  string
		status     string
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(
		&id,
		&seller,
		&buyerValue,
		&sellAsset,
		&sellAmount,
		&buyAsset,
		&buyAmount,
		&status,
		&createdAt,
		&updatedAt,
	); err != nil {
		return orderstore.Record{}, err
	}
	record := orderstore.Record{
		ID:         uint64(id),
		Seller:     seller,
		Buyer:      "",
		SellAsset:  sellAsset,
		SellAmount: sellAmount,
		BuyAsset:   buyAsset,
		BuyAmount:  buyAmount,
		Status:     status,
		CreatedAt:  createdAt.UnixMilli(),
		UpdatedAt:  updatedAt.UnixMilli(),
	}
	if buyerValue.Valid {
		record.Buyer = buyerValue.String
	}
	return record, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedStatuses(statuses []string) []string {
	if len(statuses) == 0 {
		return nil
	}
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		trimmed := strings.ToLower(strings.TrimSpace(status))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
