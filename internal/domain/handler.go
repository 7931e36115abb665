package domain

import "context"

// Handler is the contract a task-handler business-logic implementation
// fulfils. It is an external collaborator: the core only ever invokes it
// by name through a Registry, never implements one itself.
type Handler func(ctx context.Context, t Task) error

// Registry is an immutable name -> Handler mapping, built once at startup.
// Lookup on an unknown name is never fatal to the caller; it is the
// caller's job (Worker) to decide how to treat the miss.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry copies the given map so the caller's map can't mutate the
// registry after construction.
func NewRegistry(handlers map[string]Handler) *Registry {
	cp := make(map[string]Handler, len(handlers))
	for k, v := range handlers {
		cp[k] = v
	}
	return &Registry{handlers: cp}
}

// Lookup returns the handler registered under name, if any.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether name is a registered handler, used by the Scheduler
// at startup to fail fast on a schedule entry naming an unknown handler.
func (r *Registry) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}
