package job

import "context"

// Definition is a typed job definition. T is the payload type; it must be
// encodable by the definition's codec.
type Definition[T any] struct {
	// Name is the job type stored with every job of this definition.
	Name string

	// Handler processes a decoded payload.
	Handler func(ctx context.Context, payload T) error

	// Opts are the defaults applied when a job of this type is enqueued.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	if def.Opts.Codec == nil {
		def.Opts.Codec = JSON
	}
	return def
}
