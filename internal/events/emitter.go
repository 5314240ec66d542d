// Package events is a minimal named-event emitter: a mapping from event
// name to handler list behind a subscribe facade.
package events

import (
	"sync"
)

type Handler func(payload any)

type Emitter struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[string][]Handler),
	}
}

// On registers handler for name. Handlers run on the emitting goroutine in
// registration order.
func (e *Emitter) On(name string, handler Handler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers[name] = append(e.handlers[name], handler)
}

// Off drops every handler registered for name.
func (e *Emitter) Off(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.handlers, name)
}

// Emit calls the handlers registered for name. Emitting an event nobody
// listens to is a no-op.
func (e *Emitter) Emit(name string, payload any) {
	e.mu.RLock()
	handlers := append([]Handler(nil), e.handlers[name]...)
	e.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
}
