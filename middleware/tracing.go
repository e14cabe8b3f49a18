package middleware

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/job"
)

const instrumentationName = "github.com/rcommerce/conveyor"

// SpanName is the name of the span wrapping each attempt.
const SpanName = "conveyor.job.attempt"

// Tracing wraps each attempt in a consumer span from the global
// TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer is Tracing with an explicit tracer.
//
// The span carries the job id, type, queue, priority and attempt number,
// and conveyor.final_attempt when a failure would exhaust the budget.
// Failed attempts record the error; timeouts also set conveyor.timed_out.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, SpanName,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("conveyor.job.id", j.ID.String()),
				attribute.String("conveyor.job.type", j.Type),
				attribute.String("conveyor.queue", j.Queue),
				attribute.String("conveyor.priority", j.Priority.String()),
				attribute.Int("conveyor.attempt", j.Attempts),
				attribute.Int("conveyor.max_attempts", j.MaxAttempts),
				attribute.Bool("conveyor.final_attempt", j.AttemptsExhausted()),
			),
		)
		defer span.End()

		err := next(ctx)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return nil
		}
		if errors.Is(err, conveyor.ErrTimeout) {
			span.SetAttributes(attribute.Bool("conveyor.timed_out", true))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}
