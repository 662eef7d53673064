// Package realtime fans incident change notifications out to in-process
// subscribers and websocket clients.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/bissquit/biwatch/internal/pkg/metrics"
)

const defaultBuffer = 16

// Hub delivers every published change to the subscribers of its facility.
// A channel subscriber that cannot keep up loses changes rather than
// blocking Publish. Observers registered with Notify see every change.
type Hub struct {
	mu        sync.RWMutex
	nextID    uint64
	subs      map[uint64]*subscription
	observers map[uint64]observer
}

type observer struct {
	kind string
	fn   func(domain.IncidentChange)
}

type subscription struct {
	facilityID string
	kind       string
	ch         chan domain.IncidentChange
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:      make(map[uint64]*subscription),
		observers: make(map[uint64]observer),
	}
}

// Subscribe registers a subscriber for one facility, or for every facility
// when facilityID is empty. The returned function unsubscribes and closes the channel.
func (h *Hub) Subscribe(facilityID, kind string) (<-chan domain.IncidentChange, func()) {
	sub := &subscription{
		facilityID: facilityID,
		kind:       kind,
		ch:         make(chan domain.IncidentChange, defaultBuffer),
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	metrics.RealtimeSubscribers.WithLabelValues(kind).Inc()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(sub.ch)
			h.mu.Unlock()

			metrics.RealtimeSubscribers.WithLabelValues(kind).Dec()
		})
	}
}

// Notify registers fn to be called with every published change, in publish
// order. fn runs on the publisher's goroutine and must not block.
// The returned function unregisters it.
func (h *Hub) Notify(kind string, fn func(domain.IncidentChange)) func() {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.observers[id] = observer{kind: kind, fn: fn}
	h.mu.Unlock()

	metrics.RealtimeSubscribers.WithLabelValues(kind).Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.observers, id)
			h.mu.Unlock()

			metrics.RealtimeSubscribers.WithLabelValues(kind).Dec()
		})
	}
}

// Publish delivers change to every matching subscriber without blocking.
func (h *Hub) Publish(change domain.IncidentChange) {
	metrics.RealtimeChanges.WithLabelValues(string(change.Operation)).Inc()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, o := range h.observers {
		o.fn(change)
	}

	for _, sub := range h.subs {
		if sub.facilityID != "" && sub.facilityID != change.FacilityID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			slog.Warn("realtime subscriber is slow, dropping change",
				"kind", sub.kind,
				"facility_id", change.FacilityID,
				"incident_id", change.IncidentID,
			)
		}
	}
}

// Subscribers returns the number of registered subscribers and observers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs) + len(h.observers)
}
