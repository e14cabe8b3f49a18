package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is a type-erased job handler operating on the stored payload
// bytes. Typed definitions are adapted to it at registration time.
type HandlerFunc func(ctx context.Context, payload []byte) error

type registration struct {
	handler HandlerFunc
	opts    Options
}

// Registry maps job types to handlers. Dispatch is an explicit lookup by
// type name. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds a raw handler to a job type. Options become the
// defaults for jobs of that type. Registering a type twice replaces the
// earlier handler.
func (r *Registry) Register(name string, h HandlerFunc, opts ...Option) {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registration{handler: h, opts: o}
}

// RegisterDefinition registers a typed definition. The handler is wrapped
// in a closure that decodes the payload with the definition's codec.
//
// This is a package-level function because Go has no generic methods.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	codec := def.Opts.Codec
	if codec == nil {
		codec = JSON
	}
	handler := func(ctx context.Context, payload []byte) error {
		var t T
		if len(payload) > 0 {
			if err := codec.Unmarshal(payload, &t); err != nil {
				return fmt.Errorf("decode %s payload for job %q: %w", codec.Name(), def.Name, err)
			}
		}
		return def.Handler(ctx, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Name] = registration{handler: handler, opts: def.Opts}
}

// Get returns the handler for a job type.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.handler, ok
}

// Options returns the registered defaults for a job type, or
// DefaultOptions when the type is unknown.
func (r *Registry) Options(name string) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.opts
	}
	return DefaultOptions()
}

// Names returns the registered job types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
