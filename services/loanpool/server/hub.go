package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"communityloans/core/events"
	"communityloans/core/types"
	"communityloans/native/loanpool"
	"communityloans/observability"
)

const (
	wsWriteTimeout     = 10 * time.Second
	subscriberCapacity = 64
)

// Hub fans committed events out to websocket subscribers. Slow subscribers
// lose events rather than stall the node.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan *types.Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan *types.Event)}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	typed, ok := evt.(loanpool.Event)
	if !ok {
		return
	}
	payload := typed.Event()
	if payload == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- payload.Clone():
		default:
			observability.Events().RecordDropped("stream")
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release it.
func (h *Hub) Subscribe() (<-chan *types.Event, func()) {
	ch := make(chan *types.Event, subscriberCapacity)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSONError(w, http.StatusNotImplemented, errStreamDisabled)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.hub.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	filter := r.URL.Query().Get("type")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-updates:
			if !ok {
				return
			}
			if filter != "" && evt.Type != filter {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				if websocket.CloseStatus(err) == -1 {
					_ = conn.Close(websocket.StatusInternalError, "stream error")
				}
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
