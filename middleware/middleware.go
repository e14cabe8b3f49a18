package middleware

import (
	"context"

	"github.com/rcommerce/conveyor/job"
)

// Handler runs the job body for one attempt.
type Handler func(ctx context.Context) error

// Middleware wraps one execution attempt of j. It must call next unless
// it decides the attempt's outcome itself.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain composes mws into one Middleware; mws[0] is the outermost layer.
func Chain(mws ...Middleware) Middleware {
	switch len(mws) {
	case 0:
		return func(ctx context.Context, _ *job.Job, next Handler) error { return next(ctx) }
	case 1:
		return mws[0]
	}
	outer, inner := mws[0], Chain(mws[1:]...)
	return func(ctx context.Context, j *job.Job, next Handler) error {
		return outer(ctx, j, func(ctx context.Context) error {
			return inner(ctx, j, next)
		})
	}
}
