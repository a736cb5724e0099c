package coordinator

import (
	"context"
	"sync"

	"example.com/reminders/internal/events"
)

// LocalBus fans envelopes out to subscribers in the same process. Delivery is synchronous.
type LocalBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

// NewLocalBus constructs a LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]Handler)}
}

// Publish implements Bus.
func (b *LocalBus) Publish(ctx context.Context, env events.Envelope) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ctx, env)
	}
	return nil
}

// Subscribe implements Bus.
func (b *LocalBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
