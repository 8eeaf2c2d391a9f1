package httpserver

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/escrowd/internal/bus/eventbus"
	"github.com/coachpo/escrowd/internal/observability"
	"github.com/coachpo/escrowd/internal/schema"
)

var streamedEventTypes = []schema.EventType{
	schema.EventTypeOrderCreated,
	schema.EventTypeOrderFulfilled,
	schema.EventTypeOrderCancelled,
}

// streamEvents upgrades the request to a websocket and forwards order
// lifecycle events until the client disconnects.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		observability.Log().Error("events: websocket accept failed",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	merged := make(chan *schema.Event, 64)
	subs := make([]eventbus.SubscriptionID, 0, len(streamedEventTypes))
	for _, typ := range streamedEventTypes {
		id, ch, err := s.bus.Subscribe(ctx, typ)
		if err != nil {
			for _, sub := range subs {
				s.bus.Unsubscribe(sub)
			}
			_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
			return
		}
		subs = append(subs, id)
		go func(ch <-chan *schema.Event) {
			for evt := range ch {
				select {
				case merged <- evt:
				case <-ctx.Done():
					return
				}
			}
		}(ch)
	}
	defer func() {
		for _, sub := range subs {
			s.bus.Unsubscribe(sub)
		}
	}()

	// Drain reads so close frames and pings are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-merged:
			payload, err := json.Marshal(evt)
			if err != nil {
				observability.Log().Error("events: marshal failed",
					observability.Field{Key: "error", Value: err.Error()},
					observability.Field{Key: "event_type", Value: string(evt.Type)})
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					observability.Log().Debug("events: client disconnected",
						observability.Field{Key: "error", Value: err.Error()})
				}
				return
			}
		}
	}
}
