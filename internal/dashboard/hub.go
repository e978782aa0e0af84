// Package dashboard is the presentation side: it keeps the latest snapshot
// from the supervising context, fans it out to subscribers and renders it.
// Nothing here talks back to the supervising context.
package dashboard

import (
	"sync"

	"github.com/shortontech/slotscope/internal/event"
	"github.com/shortontech/slotscope/internal/messenger"
)

const subscriberBuffer = 16

// Hub holds the most recent snapshot and its subscribers.
type Hub struct {
	mu     sync.RWMutex
	latest *event.Snapshot
	subs   map[int]chan event.Snapshot
	nextID int
	emit   func(event.Snapshot)
}

// NewHub creates a hub. emit, when set, receives every accepted snapshot
// (durable sinks, metrics).
func NewHub(emit func(event.Snapshot)) *Hub {
	if emit == nil {
		emit = func(event.Snapshot) {}
	}
	return &Hub{subs: make(map[int]chan event.Snapshot), emit: emit}
}

// Register makes the presentation endpoint feed the hub. Only snapshot
// messages are handled; everything else is ignored by the endpoint.
func (h *Hub) Register(ep *messenger.Endpoint) {
	ep.Handle(event.KindSnapshot, func(m event.Message) {
		if m.Snapshot != nil {
			h.Publish(*m.Snapshot)
		}
	})
}

// Publish accepts a snapshot. A snapshot older than the latest one of the
// same session is dropped. Slow subscribers miss updates rather than block.
func (h *Hub) Publish(s event.Snapshot) bool {
	h.mu.Lock()
	if h.latest != nil && h.latest.SessionID == s.SessionID && s.Seq <= h.latest.Seq {
		h.mu.Unlock()
		return false
	}
	h.latest = &s
	for _, ch := range h.subs {
		select {
		case ch <- s:
		default:
		}
	}
	h.mu.Unlock()

	h.emit(s)
	return true
}

// Latest returns the most recent snapshot, if any.
func (h *Hub) Latest() (event.Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return event.Snapshot{}, false
	}
	return *h.latest, true
}

// Subscribe returns a channel of future snapshots and a cancel func that
// closes it.
func (h *Hub) Subscribe() (<-chan event.Snapshot, func()) {
	ch := make(chan event.Snapshot, subscriberBuffer)
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

// Subscribers reports how many subscriptions are open.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
