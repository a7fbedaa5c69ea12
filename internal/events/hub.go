package events

import (
	"context"
	"sync"
	"time"
)

// Subscriber delivers the events of one run until the returned function is
// called. *NATS and *Hub implement it.
type Subscriber interface {
	Subscribe(runID string, fn func(Event)) (func(), error)
}

// Hub fans events out to in-process subscribers. It is used when NATS is
// not configured.
type Hub struct {
	mu   sync.RWMutex
	next int
	subs map[string]map[int]func(Event)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]func(Event))}
}

// Publish implements Publisher. Subscribers run on the publishing
// goroutine and must not block.
func (h *Hub) Publish(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.RLock()
	fns := make([]func(Event), 0, len(h.subs[e.RunID]))
	for _, fn := range h.subs[e.RunID] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
	return nil
}

// Subscribe implements Subscriber.
func (h *Hub) Subscribe(runID string, fn func(Event)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[int]func(Event))
	}
	h.subs[runID][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[runID], id)
		if len(h.subs[runID]) == 0 {
			delete(h.subs, runID)
		}
	}, nil
}

// Multi publishes to every publisher and returns the first error.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var first error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
