package orderstore

import (
	"context"
	"sort"
	"sync"

	"github.com/coachpo/escrowd/errs"
)

// MemoryStore is an in-memory archive used in tests and single-node deployments
// that run without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[uint64]Record
	events []EventRecord
}

// NewMemoryStore constructs an empty in-memory archive.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[uint64]Record),
		events: nil,
	}
}

// InsertOrder records a newly created order.
func (s *MemoryStore) InsertOrder(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[record.ID]; exists {
		return errs.New("orderstore/memory", errs.CodeInternal,
			errs.WithOrderID(record.ID),
			errs.WithMessage("duplicate order id"))
	}
	s.orders[record.ID] = record
	return nil
}

// UpdateOrderStatus applies a lifecycle transition to an archived order.
func (s *MemoryStore) UpdateOrderStatus(_ context.Context, update StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.orders[update.ID]
	if !ok {
		return errs.New("orderstore/memory", errs.CodeNotFound, errs.WithOrderID(update.ID))
	}
	record.Status = update.Status
	if update.Buyer != "" {
		record.Buyer = update.Buyer
	}
	record.UpdatedAt = update.SettleAt
	s.orders[update.ID] = record
	return nil
}

// GetOrder returns the archived snapshot for the given order id.
func (s *MemoryStore) GetOrder(_ context.Context, id uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.orders[id]
	if !ok {
		return Record{}, errs.New("orderstore/memory", errs.CodeNotFound, errs.WithOrderID(id))
	}
	return record, nil
}

// ListOrders returns archived orders matching the query, ordered by id.
func (s *MemoryStore) ListOrders(_ context.Context, query Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Record, 0, len(s.orders))
	for _, record := range s.orders {
		if query.Seller != "" && record.Seller != query.Seller {
			continue
		}
		if len(query.Statuses) > 0 && !containsStatus(query.Statuses, record.Status) {
			continue
		}
		matches = append(matches, record)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	if query.Limit > 0 && len(matches) > query.Limit {
		matches = matches[:query.Limit]
	}
	return matches, nil
}

// AppendEvent records a lifecycle notification in the journal.
func (s *MemoryStore) AppendEvent(_ context.Context, event EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the journal, in append order.
func (s *MemoryStore) Events() []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EventRecord, len(s.events))
	copy(out, s.events)
	return out
}

func containsStatus(statuses []string, status string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
