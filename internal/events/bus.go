// Package events provides a minimal in-process change bus. Write paths in the
// storage layer publish Changed events; the cache invalidation fabric
// subscribes. The coupling stays single-directional: storage knows nothing
// about caches.
package events

import "sync"

// Entity names published on writes. They match the invalidation catalogue.
const (
	EntityStock    = "stock"
	EntityExchange = "exchange"
	EntitySector   = "sector"
)

// Change describes a mutation of a persisted entity.
type Change struct {
	Entity string
}

// Publisher is the write-side contract. A nil *Bus is a valid no-op publisher.
type Publisher interface {
	Publish(change Change)
}

// Handler consumes change events.
type Handler func(change Change)

// Bus is a synchronous fan-out bus. Publish calls every subscribed handler in
// registration order on the caller's goroutine; handlers that need async
// behavior spawn their own goroutines.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for all future events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, h)
}

// Publish delivers the change to every subscriber. Safe on a nil bus.
func (b *Bus) Publish(change Change) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(change)
	}
}
