// Package ext defines the lifecycle hooks that extensions can observe.
// Each hook is a separate interface so an extension opts in only to the
// transitions it cares about.
package ext

import (
	"context"
	"time"

	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Queue transitions
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is persisted.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobDropped is called when the overflow policy rejects a new job or
// evicts the oldest waiting one.
type JobDropped interface {
	OnJobDropped(ctx context.Context, j *job.Job) error
}

// JobLeased is called when a worker obtains a lease.
type JobLeased interface {
	OnJobLeased(ctx context.Context, j *job.Job) error
}

// JobCancelled is called when a waiting job is withdrawn.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// LeaseReclaimed is called for every expired lease returned to pending or
// dead-lettered by the sweeper.
type LeaseReclaimed interface {
	OnLeaseReclaimed(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Execution outcomes
// ──────────────────────────────────────────────────

// JobExecuted is called after every handler run, successful or not.
type JobExecuted interface {
	OnJobExecuted(ctx context.Context, j *job.Job, elapsed time.Duration, err error) error
}

// JobSucceeded is called after a job is acknowledged.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a failed job is scheduled for another attempt.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, err error, next time.Time) error
}

// JobDeadLettered is called when a job is parked for manual inspection.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error
}

// JobFailed is called when the retry policy discards a failed job.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// ScheduleFired is called when a schedule materializes a job.
type ScheduleFired interface {
	OnScheduleFired(ctx context.Context, schedule string, jobID id.JobID) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
