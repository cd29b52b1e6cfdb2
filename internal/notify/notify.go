// Package notify implements the cache's named-channel notification bus:
// subscribers register against a channel name and are invoked synchronously,
// inline with the mutation that triggered them.
package notify

import "sync"

// Channel names the cache publishes on.
const (
	CacheInitialized = "cacheInitialized"
	CacheCleared     = "cacheCleared"
	PairAdded        = "pairAdded"
	PairDataChanged  = "pairDataChanged"
)

// Handler receives a notification payload. Payload shape is
// channel-specific; see the cache package for what each channel carries.
type Handler func(payload any)

// Bus is a named-channel, synchronous pub/sub dispatcher. The zero value is
// not usable; construct with New.
//
// Delivery is synchronous and inline with Publish: a handler that blocks
// blocks the publisher, and a handler that panics propagates to the
// publisher. Subscribers are invoked in registration order. There is no
// ordering guarantee across different channel names.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers h to be called on every future Publish to channel.
func (b *Bus) Subscribe(channel string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], h)
}

// Publish invokes every handler currently subscribed to channel, in
// registration order, synchronously on the calling goroutine.
func (b *Bus) Publish(channel string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[channel]))
	copy(handlers, b.subs[channel])
	b.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}

// SubscriberCount returns the number of handlers registered on channel, for
// tests and diagnostics.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
