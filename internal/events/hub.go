package events

import (
	"context"
	"log"
	"sync"
)

// subscriberBuffer is per-subscriber. A terminal that falls this far behind
// has its oldest pending events dropped; it catches up on the next heartbeat.
const subscriberBuffer = 16

// Hub is the in-process Broadcaster. It backs single-instance deployments
// directly and serves as the local delivery stage for RedisBroadcaster.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: map[int]chan Event{}}
}

func (h *Hub) Publish(_ context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber: drop its oldest event to make room so the
			// newest cue is what it sees when it drains.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
				log.Printf("[events] WARN: dropping %s for subscriber %d", event.Type, id)
			}
		}
	}
	return nil
}

func (h *Hub) Subscribe(_ context.Context) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close drops all subscribers and closes their channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
