package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/job"
)

// Timeout returns middleware that enforces the job's execution deadline.
//
// The handler runs in its own goroutine under a context cancelled at the
// deadline. If it has not returned by then, Timeout returns a
// *conveyor.TimeoutError without waiting for it; the abandoned goroutine
// finishes in the background and its result is discarded. Jobs with no
// timeout run inline.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if j.Timeout <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, j.Timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("job handler panicked",
						slog.String("job_type", j.Type),
						slog.String("job_id", j.ID.String()),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					done <- fmt.Errorf("panic in job %s: %v", j.Type, r)
				}
			}()
			done <- next(ctx)
		}()

		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			if ctx.Err() != context.DeadlineExceeded {
				return ctx.Err()
			}
			logger.Warn("job timed out",
				slog.String("job_type", j.Type),
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", j.Timeout),
			)
			return &conveyor.TimeoutError{Timeout: j.Timeout}
		}
	}
}

