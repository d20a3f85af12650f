// Package broadcast fans committed ticket events out to subscribers. The
// Hub delivers inside one process; RedisRelay carries events between
// instances and feeds each instance's Hub.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/iliyamo/queue-dispatch/internal/model"
)

// Hub is an in-process topic fan-out keyed by service id. Publishing never
// blocks: each subscriber has a bounded buffer and loses its oldest pending
// event when the buffer is full.
type Hub struct {
	mu          sync.Mutex
	subs        map[uint64]*Subscription
	nextID      uint64
	lastVersion map[string]int64
	buffer      int
	log         *slog.Logger
}

// Subscription receives the events of one service, or of every service when
// ServiceID is empty.
type Subscription struct {
	ServiceID string

	id      uint64
	hub     *Hub
	ch      chan model.TicketEvent
	dropped atomic.Uint64
	closed  bool
}

func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		subs:        make(map[uint64]*Subscription),
		lastVersion: make(map[string]int64),
		buffer:      buffer,
		log:         log,
	}
}

// Subscribe registers a subscriber. Call Close when done.
func (h *Hub) Subscribe(serviceID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &Subscription{
		ServiceID: serviceID,
		id:        h.nextID,
		hub:       h,
		ch:        make(chan model.TicketEvent, h.buffer),
	}
	h.subs[s.id] = s
	return s
}

// Resubscribe moves s to another service topic, keeping its buffer.
func (h *Hub) Resubscribe(s *Subscription, serviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.ServiceID = serviceID
}

// Publish delivers ev to every matching subscriber. Transition events older
// than one already delivered for the same service are discarded, so events
// relayed from several instances never reach subscribers out of order.
func (h *Hub) Publish(_ context.Context, ev model.TicketEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Status != model.TicketStatusWaiting {
		if last, ok := h.lastVersion[ev.ServiceID]; ok && ev.Version < last {
			h.log.Debug("stale ticket event discarded", "service_id", ev.ServiceID, "version", ev.Version, "last", last)
			return
		}
		h.lastVersion[ev.ServiceID] = ev.Version
	}

	for _, s := range h.subs {
		if s.ServiceID != "" && s.ServiceID != ev.ServiceID {
			continue
		}
		if pushDropOldest(s.ch, ev) {
			s.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		delete(h.subs, id)
		s.closed = true
		close(s.ch)
	}
}

// C is closed when the subscription ends.
func (s *Subscription) C() <-chan model.TicketEvent { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s.id)
	close(s.ch)
}

// pushDropOldest sends ev on ch, discarding the oldest buffered value first
// if ch is full. It reports whether anything was discarded. Callers must
// be the only sender on ch.
func pushDropOldest(ch chan model.TicketEvent, ev model.TicketEvent) bool {
	select {
	case ch <- ev:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
	return true
}
