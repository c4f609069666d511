// Package broadcast implements a live fan-out of values to bounded subscriber queues.
// A subscriber that cannot keep up loses events; publishers never block.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 64

// Hub fans published values out to every live subscriber.
type Hub[T any] struct {
	mu      sync.Mutex
	subs    map[uint64]chan T
	nextID  uint64
	queue   int
	closed  bool
	dropped atomic.Uint64
}

// New returns a hub whose subscribers buffer up to queue values.
func New[T any](queue int) *Hub[T] {
	if queue <= 0 {
		queue = DefaultQueueSize
	}

	return &Hub[T]{subs: map[uint64]chan T{}, queue: queue}
}

// Subscribe registers a subscriber. The returned channel is closed when ctx is done
// or the hub is closed. Values published before the call are not replayed.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, h.queue)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)

		return ch
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	context.AfterFunc(ctx, func() { h.unsubscribe(id) })

	return ch
}

// Publish delivers v to every subscriber with room in its queue and returns the
// number of subscribers that missed it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	missed := 0

	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
			missed++
		}
	}

	if missed > 0 {
		h.dropped.Add(uint64(missed))
	}

	return missed
}

// Subscribers returns the number of live subscribers.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}

// Dropped returns the total number of values lost to full subscriber queues.
func (h *Hub[T]) Dropped() uint64 { return h.dropped.Load() }

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}

func (h *Hub[T]) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[id]; ok {
		close(ch)
		delete(h.subs, id)
	}
}
