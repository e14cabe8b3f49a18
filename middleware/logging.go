package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/rcommerce/conveyor/job"
)

// Logging logs each attempt: debug on start, info on success, warn on
// failure with the attempt budget.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		l := logger.With(
			slog.String("job_type", j.Type),
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue),
			slog.Int("attempt", j.Attempts),
		)
		l.DebugContext(ctx, "job started", slog.String("priority", j.Priority.String()))

		start := time.Now()
		err := next(ctx)
		elapsed := slog.Duration("elapsed", time.Since(start))

		if err != nil {
			l.WarnContext(ctx, "job attempt failed",
				slog.Int("max_attempts", j.MaxAttempts),
				elapsed,
				slog.String("error", err.Error()),
			)
			return err
		}
		l.InfoContext(ctx, "job completed", elapsed)
		return nil
	}
}
