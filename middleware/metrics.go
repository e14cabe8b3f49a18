package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/job"
)

// Instrument names.
const (
	DurationInstrument = "conveyor.job.duration"
	AttemptsInstrument = "conveyor.job.attempts"
)

// Metrics records attempt duration and outcome with the global
// MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(instrumentationName))
}

// MetricsWithMeter is Metrics with an explicit meter. Both instruments
// carry job_type, queue, priority and status ("ok", "error", "permanent"
// or "timeout").
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instrument errors yield noop instruments.
	duration, _ := meter.Float64Histogram(DurationInstrument,
		metric.WithDescription("Job attempt duration"),
		metric.WithUnit("s"),
	)
	attempts, _ := meter.Int64Counter(AttemptsInstrument,
		metric.WithDescription("Job attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("job_type", j.Type),
			attribute.String("queue", j.Queue),
			attribute.String("priority", j.Priority.String()),
			attribute.String("status", outcome(err)),
		)
		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return err
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, conveyor.ErrTimeout):
		return "timeout"
	case conveyor.IsPermanent(err):
		return "permanent"
	default:
		return "error"
	}
}
