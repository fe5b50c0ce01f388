package inbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/veridianlabs/lib-txn/txn/event"
)

// Handler processes one inbound event.
type Handler func(ctx context.Context, env *event.Envelope) error

// Registry maps event names to handlers. Registration normally happens at
// startup, but the registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handler to eventName. Registering the same name twice
// returns ErrHandlerExists.
func (r *Registry) Register(eventName string, handler Handler) error {
	if eventName == "" {
		return ErrEventNameRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[eventName]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, eventName)
	}

	r.handlers[eventName] = handler

	return nil
}

// Resolve returns the handler bound to eventName.
func (r *Registry) Resolve(eventName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[eventName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, eventName)
	}

	return h, nil
}

// Names returns the registered event names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}

	return names
}
