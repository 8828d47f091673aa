package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ActivityEvent is one line of the live activity feed pushed to websocket
// subscribers: sync runs, conflict resolutions, channel changes.
type ActivityEvent struct {
	Kind      string    `json:"kind"`
	UserID    string    `json:"userId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityHub fans activity events out to connected websocket clients. A slow
// client loses events rather than blocking the publisher.
type ActivityHub struct {
	mu   sync.Mutex
	subs map[chan ActivityEvent]struct{}
}

func NewActivityHub() *ActivityHub {
	return &ActivityHub{subs: map[chan ActivityEvent]struct{}{}}
}

func (h *ActivityHub) Publish(kind, userID, detail string) {
	event := ActivityEvent{
		Kind:      kind,
		UserID:    userID,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- event:
		default:
		}
	}
}

func (h *ActivityHub) subscribe() chan ActivityEvent {
	sub := make(chan ActivityEvent, 64)
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *ActivityHub) unsubscribe(sub chan ActivityEvent) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

// handleActivityStream upgrades to a websocket and streams activity events
// until the client goes away.
func (h *ActivityHub) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := h.subscribe()
	defer h.unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event := <-sub:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
