package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/escrowd/internal/schema"
)

func TestNewMemoryBus(t *testing.T) {
	cfg := MemoryConfig{
		BufferSize:    10,
		FanoutWorkers: 2,
	}

	bus := NewMemoryBus(cfg)

	if bus == nil {
		t.Fatal("expected non-nil bus")
	}

	bus.Close()
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	evt := &schema.Event{
		EventID: "test-1",
		Type:    schema.EventTypeOrderCreated,
		OrderID: 1,
	}

	// Should not error when no subscribers
	err := bus.Publish(ctx, evt)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishNilEvent(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	err := bus.Publish(ctx, nil)

	if err != nil {
		t.Errorf("expected no error for nil event, got %v", err)
	}
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	evt := &schema.Event{
		EventID: "test-1",
		Type:    "", // Empty type
	}

	err := bus.Publish(ctx, evt)
	if err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Subscribe
	subID, eventsCh, err := bus.Subscribe(ctx, schema.EventTypeOrderFulfilled)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	testEvent := &schema.Event{
		EventID: "test-1",
		Type:    schema.EventTypeOrderFulfilled,
		OrderID: 42,
		Buyer:   "acct-buyer",
	}

	err = bus.Publish(ctx, testEvent)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Receive
	select {
	case received := <-eventsCh:
		if received == nil {
			t.Fatal("received nil event")
		}
		if received.EventID != testEvent.EventID {
			t.Errorf("expected EventID %s, got %s", testEvent.EventID, received.EventID)
		}
		if received.OrderID != 42 {
			t.Errorf("expected OrderID 42, got %d", received.OrderID)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBusDeliversClones(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()
	subID, eventsCh, err := bus.Subscribe(ctx, schema.EventTypeOrderCreated)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	src := &schema.Event{
		EventID: "test-clone",
		Type:    schema.EventTypeOrderCreated,
		OrderID: 7,
		Seller:  "acct-seller",
	}
	if err := bus.Publish(ctx, src); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case received := <-eventsCh:
		if received == src {
			t.Fatal("subscriber received the source event, expected a clone")
		}
		received.Seller = "mutated"
		if src.Seller != "acct-seller" {
			t.Error("mutating the delivered event changed the source")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryBusSubscribeEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	_, _, err := bus.Subscribe(ctx, "")

	if err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx := context.Background()
	subID, eventsCh, err := bus.Subscribe(ctx, schema.EventTypeOrderCancelled)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Unsubscribe(subID)

	// Channel should be closed
	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})

	ctx := context.Background()
	_, eventsCh, err := bus.Subscribe(ctx, schema.EventTypeOrderCreated)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Close()

	// Channel should be closed
	select {
	case _, ok := <-eventsCh:
		if ok {
			t.Error("expected channel to be closed after bus close")
		}
	case <-time.After(100 * time.Millisecond):
		// Expected - channel closed
	}
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()

	// Subscribe twice
	sub1, ch1, err1 := bus.Subscribe(ctx, schema.EventTypeOrderCreated)
	if err1 != nil {
		t.Fatalf("Subscribe 1 error = %v", err1)
	}
	defer bus.Unsubscribe(sub1)

	sub2, ch2, err2 := bus.Subscribe(ctx, schema.EventTypeOrderCreated)
	if err2 != nil {
		t.Fatalf("Subscribe 2 error = %v", err2)
	}
	defer bus.Unsubscribe(sub2)

	testEvent := &schema.Event{
		EventID: "test-multi",
		Type:    schema.EventTypeOrderCreated,
		OrderID: 9,
	}

	err := bus.Publish(ctx, testEvent)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Both should receive
	timeout := time.After(1 * time.Second)
	received1 := false
	received2 := false

	for !received1 || !received2 {
		select {
		case evt := <-ch1:
			if evt != nil && evt.EventID == testEvent.EventID {
				received1 = true
			}
		case evt := <-ch2:
			if evt != nil && evt.EventID == testEvent.EventID {
				received2 = true
			}
		case <-timeout:
			if !received1 {
				t.Error("subscriber 1 did not receive event")
			}
			if !received2 {
				t.Error("subscriber 2 did not receive event")
			}
			return
		}
	}
}

func TestMemoryConfigNormalize(t *testing.T) {
	cfg := MemoryConfig{
		BufferSize:    0, // Should be normalized
		FanoutWorkers: 0, // Should be normalized
	}

	normalized := cfg.normalize()

	if normalized.BufferSize <= 0 {
		t.Error("expected positive buffer size after normalization")
	}
	if normalized.FanoutWorkers <= 0 {
		t.Error("expected positive fanout workers after normalization")
	}
}
