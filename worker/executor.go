// Package worker provides the job execution engine: an Executor that
// invokes registered handlers through middleware and records the outcome
// on the queue, Workers that lease and run jobs, and a Pool of Workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/ext"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/middleware"
	"github.com/rcommerce/conveyor/queue"
	"github.com/rcommerce/conveyor/retry"
)

// Outcome is what became of a leased job after one execution.
type Outcome int

const (
	// Succeeded means the job was acknowledged.
	Succeeded Outcome = iota
	// Retrying means the job goes back to the queue after a delay.
	Retrying
	// DeadLettered means the job exhausted its attempts or failed
	// permanently.
	DeadLettered
	// Discarded means a retry policy dropped the job (status failed).
	Discarded
	// Abandoned means the outcome could not be recorded: the lease had
	// been reclaimed, or the backend was unreachable. The queue's reclaim
	// sweep owns the job from here.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Retrying:
		return "retrying"
	case DeadLettered:
		return "dead_lettered"
	case Discarded:
		return "discarded"
	case Abandoned:
		return "abandoned"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Executor runs a single leased job through middleware and the registered
// handler, then acknowledges it or fails it with a retry decision, and
// emits lifecycle events. Handler errors never escape Execute.
type Executor struct {
	registry   *job.Registry
	queue      *queue.Queue
	extensions *ext.Registry
	policy     retry.Policy
	mw         middleware.Middleware
	logger     *slog.Logger
}

// NewExecutor creates an Executor. A nil policy means retry.Default().
func NewExecutor(
	registry *job.Registry,
	q *queue.Queue,
	extensions *ext.Registry,
	policy retry.Policy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if policy == nil {
		policy = retry.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &Executor{
		registry:   registry,
		queue:      q,
		extensions: extensions,
		policy:     policy,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// Execute runs j and records the result. ctx is the handler's context;
// cancelling it with cause conveyor.ErrShutdown force-fails the job as a
// retryable shutdown error.
func (e *Executor) Execute(ctx context.Context, j *job.Job) Outcome {
	start := time.Now()
	err := e.run(ctx, j)
	elapsed := time.Since(start)

	if err != nil && errors.Is(context.Cause(ctx), conveyor.ErrShutdown) {
		err = conveyor.Retryable(fmt.Errorf("%w: %v", conveyor.ErrShutdown, err))
	}

	// Outcomes are recorded even when the handler context was cancelled.
	rctx := context.WithoutCancel(ctx)
	e.extensions.EmitJobExecuted(rctx, j, elapsed, err)

	if err == nil {
		return e.succeed(rctx, j, elapsed)
	}
	return e.fail(rctx, j, err)
}

func (e *Executor) run(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return conveyor.Permanent(fmt.Errorf("%w: %q", conveyor.ErrUnknownJobType, j.Type))
	}
	return e.mw(ctx, j, func(ctx context.Context) error {
		return handler(ctx, j.Payload)
	})
}

func (e *Executor) succeed(ctx context.Context, j *job.Job, elapsed time.Duration) Outcome {
	if err := e.queue.Acknowledge(ctx, j); err != nil {
		return e.unrecorded("acknowledge", j, err)
	}
	e.extensions.EmitJobSucceeded(ctx, j, elapsed)
	return Succeeded
}

func (e *Executor) fail(ctx context.Context, j *job.Job, jobErr error) Outcome {
	d := retry.Decide(j.Attempts, j.MaxAttempts, e.policy, jobErr)
	if err := e.queue.Fail(ctx, j, jobErr, d); err != nil {
		return e.unrecorded("fail", j, err)
	}

	switch {
	case d.ShouldRetry:
		e.extensions.EmitJobRetrying(ctx, j, jobErr, j.AvailableAt)
		e.logger.Info("job scheduled for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", j.MaxAttempts),
			slog.Duration("delay", d.Delay),
		)
		return Retrying

	case d.IsDeadLetter:
		e.extensions.EmitJobDeadLettered(ctx, j, jobErr)
		e.logger.Warn("job dead-lettered",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Int("attempts", j.Attempts),
			slog.Bool("permanent", conveyor.IsPermanent(jobErr)),
			slog.String("error", jobErr.Error()),
		)
		return DeadLettered

	default:
		e.extensions.EmitJobFailed(ctx, j, jobErr)
		e.logger.Info("job discarded by retry policy",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", jobErr.Error()),
		)
		return Discarded
	}
}

func (e *Executor) unrecorded(op string, j *job.Job, err error) Outcome {
	if errors.Is(err, conveyor.ErrLeaseExpired) {
		e.logger.Warn("lease lost before "+op+", result discarded",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.Int("attempt", j.Attempts),
		)
		return Abandoned
	}
	e.logger.Error(op+" failed, job left to lease reclaim",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("error", err.Error()),
	)
	return Abandoned
}
