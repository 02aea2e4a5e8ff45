// Package push fans enrichment patches out to in-process subscribers.
// Delivery is best-effort: slow subscribers drop events instead of blocking
// the publisher, because the enrichment store remains the durable source of
// truth for anything missed.
package push

import (
	"context"
	"log/slog"
	"sync"

	"platefinder/searchservice/internal/domain"
)

const defaultSubscriberBuffer = 16

// Hub routes patches by place ID. One subscription covers one place; a client
// watching several results holds several subscriptions.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
	logger *slog.Logger
}

// Subscription receives patches for a single place until cancelled.
type Subscription struct {
	hub     *Hub
	placeID string
	ch      chan domain.EnrichmentPatch
	once    sync.Once
}

type HubOption func(*Hub)

func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHub(opts ...HubOption) *Hub {
	hub := &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(hub)
	}
	return hub
}

// Subscribe registers interest in patches for one place. Returns nil after
// the hub is closed.
func (h *Hub) Subscribe(placeID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	sub := &Subscription{
		hub:     h,
		placeID: placeID,
		ch:      make(chan domain.EnrichmentPatch, defaultSubscriberBuffer),
	}
	set := h.subs[placeID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[placeID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish delivers the patch to every subscriber of placeID without blocking.
// A subscriber with a full buffer misses this event.
func (h *Hub) Publish(_ context.Context, placeID string, patch domain.EnrichmentPatch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for sub := range h.subs[placeID] {
		select {
		case sub.ch <- patch:
		default:
			h.logger.Debug("push subscriber buffer full, patch dropped",
				slog.String("placeId", placeID),
				slog.String("provider", patch.Provider),
			)
		}
	}
}

// SubscriberCount reports how many subscriptions watch placeID.
func (h *Hub) SubscriberCount(placeID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[placeID])
}

// Close cancels every subscription. Further Subscribe calls return nil and
// further Publish calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for placeID, set := range h.subs {
		for sub := range set {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(h.subs, placeID)
	}
}

// C is the receive side of the subscription. It is closed when the
// subscription is cancelled or the hub shuts down.
func (s *Subscription) C() <-chan domain.EnrichmentPatch {
	return s.ch
}

// Cancel detaches the subscription and closes its channel. Safe to call more
// than once and safe to race with hub Close.
func (s *Subscription) Cancel() {
	s.hub.mu.Lock()
	if set, ok := s.hub.subs[s.placeID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.hub.subs, s.placeID)
		}
	}
	s.hub.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
}
