package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/md-rashed-zaman/eventpipe/libs/envelope"
)

var (
	ErrHandlerNotRegistered = errors.New("consumer: no handler registered for event type")
	ErrDuplicateHandler     = errors.New("consumer: handler already registered for event type")
)

// Handler applies one event's side effects. It must be safe to call again
// for the same event after a failure.
type Handler interface {
	Handle(ctx context.Context, env *envelope.Envelope) error
}

type HandlerFunc func(ctx context.Context, env *envelope.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) error { return f(ctx, env) }

// Registry maps event types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(eventType string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[eventType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, eventType)
	}
	r.handlers[eventType] = h
	return nil
}

func (r *Registry) HandleFunc(eventType string, fn HandlerFunc) error {
	return r.Register(eventType, fn)
}

func (r *Registry) Lookup(eventType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotRegistered, eventType)
	}
	return h, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
