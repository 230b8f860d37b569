// Package hub provides per-session fan-out of events to stream subscribers.
package hub

import "sync"

// BufferSize is the capacity of each subscriber's channel.
const BufferSize = 1024

// Hub is a fan-out bus. Subscribers receive published values on a buffered
// channel keyed by subscriber id. Publish never blocks: a subscriber whose
// buffer is full is evicted and its channel closed, so a stalled consumer
// cannot back-pressure the publisher.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[string]chan T
	closed bool
}

// New creates an empty hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[string]chan T)}
}

// Subscribe registers id and returns its receive channel. Subscribing an id
// that is already registered replaces (and closes) the previous channel.
// Subscribing on a closed hub returns an already-closed channel.
func (h *Hub[T]) Subscribe(id string) <-chan T {
	ch := make(chan T, BufferSize)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch
	}
	if old, ok := h.subs[id]; ok {
		close(old)
	}
	h.subs[id] = ch
	return ch
}

// Unsubscribe removes id and closes its channel. Unknown ids are a no-op.
func (h *Hub[T]) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers v to every current subscriber. A subscriber with a full
// buffer is dropped: its channel is closed and it is removed from the hub.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- v:
		default:
			delete(h.subs, id)
			close(ch)
		}
	}
}

// Len returns the current subscriber count.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops all subscribers and closes their channels. Publish and
// Subscribe after Close are no-ops.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
