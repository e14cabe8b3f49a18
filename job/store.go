package job

import (
	"context"
	"time"

	"github.com/rcommerce/conveyor/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Status filters by status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// Status filters by status. Empty means all statuses.
	Status Status
	// Priority filters by tier. Nil means all tiers.
	Priority *Priority
}

// LeaseRequest asks the backend for the best eligible job in one queue.
type LeaseRequest struct {
	Queue    string
	WorkerID id.WorkerID
	// Token identifies this lease. Acknowledge, fail and extend must
	// present it.
	Token string
	// Duration is how long the lease is held before it may be reclaimed.
	Duration time.Duration
	// Priorities restricts the candidate tiers. Empty means every tier,
	// highest first.
	Priorities []Priority
	// Now is the lease instant. Eligibility is available_at <= Now.
	Now time.Time
}

// LeaseOutcome is the result of a lease attempt. An empty outcome means no
// job was eligible; backend failures are reported through the error
// instead, so the two are never confused.
type LeaseOutcome struct {
	Job *Job
}

// Leased wraps a leased job.
func Leased(j *Job) LeaseOutcome { return LeaseOutcome{Job: j} }

// NoJob is the outcome of a lease attempt that found nothing eligible.
var NoJob = LeaseOutcome{}

// Empty reports whether nothing was leased.
func (o LeaseOutcome) Empty() bool { return o.Job == nil }

// FailOutcome is where a failed job goes next.
type FailOutcome int

const (
	// FailRetry returns the job to the retrying state until AvailableAt.
	FailRetry FailOutcome = iota
	// FailDeadLetter parks the job as dead_lettered.
	FailDeadLetter
	// FailDiscard marks the job failed without dead-lettering it.
	FailDiscard
)

// Status is the status a job lands in for this outcome.
func (o FailOutcome) Status() Status {
	switch o {
	case FailRetry:
		return StatusRetrying
	case FailDeadLetter:
		return StatusDeadLettered
	}
	return StatusFailed
}

// FailRequest records a failed execution.
type FailRequest struct {
	Token       string
	Error       string
	Outcome     FailOutcome
	AvailableAt time.Time
	Now         time.Time
}

// Store defines the persistence contract for jobs. Every state transition
// is a single conditional update: two callers racing on the same job can
// never both succeed.
type Store interface {
	// EnqueueJob persists a new job.
	EnqueueJob(ctx context.Context, j *Job) error

	// EnqueueJobBounded persists j only while its queue holds fewer than
	// maxDepth waiting (pending or retrying) jobs. The depth check and the
	// insert are one atomic step. It reports whether j was inserted.
	EnqueueJobBounded(ctx context.Context, j *Job, maxDepth int64) (bool, error)

	// LeaseJob atomically picks the best eligible job of the queue, marks
	// it leased, increments attempts and stamps the lease fields.
	LeaseJob(ctx context.Context, req LeaseRequest) (LeaseOutcome, error)

	// AckJob transitions a leased job to succeeded. A repeated ack with the
	// same token is a no-op. A token that no longer holds the job returns
	// conveyor.ErrLeaseExpired.
	AckJob(ctx context.Context, jobID id.JobID, token string, now time.Time) error

	// FailJob records a failed execution under the given lease.
	FailJob(ctx context.Context, jobID id.JobID, req FailRequest) error

	// ExtendLease pushes the lease expiry of a held job to until.
	ExtendLease(ctx context.Context, jobID id.JobID, token string, until time.Time) error

	// ReclaimExpiredLeases returns jobs whose lease expired before now to
	// pending with attempts unchanged. Jobs with no attempts left are
	// dead-lettered instead. It returns the jobs after the transition.
	ReclaimExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// CancelJob withdraws a pending or retrying job. Any other status
	// returns conveyor.ErrInvalidState.
	CancelJob(ctx context.Context, jobID id.JobID, reason string, now time.Time) (*Job, error)

	// DropOldestJob cancels the oldest waiting job of a queue to make room.
	// It returns conveyor.ErrJobNotFound when the queue has none.
	DropOldestJob(ctx context.Context, queue, reason string, now time.Time) (*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobs returns jobs matching the options, oldest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// PurgeJobs deletes jobs in the given terminal status last updated
	// before the cutoff.
	PurgeJobs(ctx context.Context, status Status, before time.Time) (int64, error)
}
