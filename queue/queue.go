package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/ext"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/retry"
)

// Queue is the job queue: it admits jobs, hands out leases and records
// outcomes on top of a durable job.Store. Atomicity of every transition is
// delegated to the store; the queue adds admission control, priority tier
// selection, throughput limits and lifecycle events.
type Queue struct {
	store   job.Store
	manager *Manager
	tiers   TierSelector
	ext     *ext.Registry
	logger  *slog.Logger
	now     func() time.Time

	blockPoll time.Duration

	mu        sync.Mutex
	permits   map[string]*Permit
	admission map[string]*sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithManager sets per-queue configuration and limits.
func WithManager(m *Manager) Option {
	return func(q *Queue) { q.manager = m }
}

// WithTierSelector sets the priority tier strategy. Default StrictPriority.
func WithTierSelector(s TierSelector) Option {
	return func(q *Queue) { q.tiers = s }
}

// WithExtensions sets the registry notified of queue transitions.
func WithExtensions(r *ext.Registry) Option {
	return func(q *Queue) { q.ext = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithBlockPollInterval sets how often a blocked Enqueue re-checks depth.
func WithBlockPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.blockPoll = d }
}

// New creates a Queue over store.
func New(store job.Store, opts ...Option) *Queue {
	q := &Queue{
		store:     store,
		tiers:     StrictPriority{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		blockPoll: 50 * time.Millisecond,
		permits:   make(map[string]*Permit),
		admission: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.manager == nil {
		q.manager = NewManager()
	}
	if q.ext == nil {
		q.ext = ext.NewRegistry(q.logger)
	}
	return q
}

// Store returns the underlying job store.
func (q *Queue) Store() job.Store { return q.store }

// Manager returns the per-queue configuration manager.
func (q *Queue) Manager() *Manager { return q.manager }

// Now returns the queue's clock reading.
func (q *Queue) Now() time.Time { return q.now() }

// ──────────────────────────────────────────────────
// Enqueue
// ──────────────────────────────────────────────────

// Enqueue persists j in pending state, applying the queue's overflow
// policy first. Missing identity and timestamps are filled in; attempts
// are reset to zero.
func (q *Queue) Enqueue(ctx context.Context, j *job.Job) (id.JobID, error) {
	now := q.now()
	if j.ID.IsNil() {
		j.ID = id.NewJobID()
	}
	if j.CreatedAt.IsZero() {
		j.Entity = conveyor.Entity{CreatedAt: now, UpdatedAt: now}
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	if j.Priority == 0 {
		j.Priority = job.PriorityNormal
	}
	j.Status = job.StatusPending
	j.Attempts = 0
	j.LeaseExpiresAt = nil
	j.LeasedBy = id.Nil
	j.LeaseToken = ""
	if err := j.Validate(); err != nil {
		return id.Nil, err
	}

	cfg := q.manager.Config(j.Queue)
	if cfg.MaxDepth > 0 {
		if err := q.enqueueBounded(ctx, j, cfg); err != nil {
			return id.Nil, err
		}
	} else if err := q.store.EnqueueJob(ctx, j); err != nil {
		return id.Nil, conveyor.Transient("enqueue", err)
	}

	q.ext.EmitJobEnqueued(ctx, j)
	return j.ID, nil
}

// maxEvictions bounds how many oldest jobs one DropOldest enqueue may
// evict while competing producers keep refilling the queue.
const maxEvictions = 8

// enqueueBounded inserts j through the store's conditional insert, so the
// depth check and the insert cannot be split by another producer. The
// per-queue admission lock keeps producers in this process from evicting
// more jobs than needed under DropOldest.
func (q *Queue) enqueueBounded(ctx context.Context, j *job.Job, cfg Config) error {
	lock := q.admissionLock(j.Queue)

	var deadline *time.Timer
	for evictions := 0; ; {
		lock.Lock()
		inserted, err := q.store.EnqueueJobBounded(ctx, j, cfg.MaxDepth)
		if err == nil && !inserted && cfg.Overflow == DropOldest && evictions < maxEvictions {
			evictions++
			err = q.dropOldest(ctx, j.Queue)
			lock.Unlock()
			if err != nil {
				return err
			}
			continue
		}
		lock.Unlock()

		if err != nil {
			return conveyor.Transient("enqueue", err)
		}
		if inserted {
			return nil
		}

		switch cfg.Overflow {
		case DropNewest:
			j.Status = job.StatusCancelled
			j.LastError = "dropped: queue overflow"
			q.ext.EmitJobDropped(ctx, j)
			return fmt.Errorf("%w: queue %q at max depth %d", conveyor.ErrJobDropped, j.Queue, cfg.MaxDepth)
		case DropOldest:
			return fmt.Errorf("%w: queue %q refilled faster than it could evict", conveyor.ErrBackpressure, j.Queue)
		}

		if cfg.BlockTimeout <= 0 {
			return fmt.Errorf("%w: queue %q", conveyor.ErrBackpressure, j.Queue)
		}
		if deadline == nil {
			deadline = time.NewTimer(cfg.BlockTimeout)
			defer deadline.Stop()
		}
		if err := q.waitForRoom(ctx, deadline, j.Queue, cfg); err != nil {
			return err
		}
	}
}

// dropOldest evicts the oldest waiting job of queueName. A queue that
// drained in the meantime is not an error.
func (q *Queue) dropOldest(ctx context.Context, queueName string) error {
	evicted, err := q.store.DropOldestJob(ctx, queueName, "dropped: queue overflow", q.now())
	if err != nil {
		if errors.Is(err, conveyor.ErrJobNotFound) {
			return nil
		}
		return conveyor.Transient("drop oldest", err)
	}
	q.logger.Warn("queue overflow: dropped oldest job",
		slog.String("queue", queueName),
		slog.String("job_id", evicted.ID.String()),
		slog.String("job_type", evicted.Type),
	)
	q.ext.EmitJobDropped(ctx, evicted)
	return nil
}

// waitForRoom sleeps one poll interval, or fails once the deadline fires.
func (q *Queue) waitForRoom(ctx context.Context, deadline *time.Timer, queueName string, cfg Config) error {
	poll := time.NewTimer(q.blockPoll)
	defer poll.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
		return fmt.Errorf("%w: queue %q still full after %s", conveyor.ErrBackpressure, queueName, cfg.BlockTimeout)
	case <-poll.C:
		return nil
	}
}

func (q *Queue) admissionLock(queueName string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.admission[queueName]
	if !ok {
		l = &sync.Mutex{}
		q.admission[queueName] = l
	}
	return l
}

// ──────────────────────────────────────────────────
// Lease
// ──────────────────────────────────────────────────

// Lease hands the best eligible job of queueName to workerID for
// leaseDuration. An empty outcome means nothing was eligible or the
// queue's throughput limits are saturated; the error is reserved for
// backend failures.
func (q *Queue) Lease(ctx context.Context, queueName string, workerID id.WorkerID, leaseDuration time.Duration) (job.LeaseOutcome, error) {
	permit, ok := q.manager.Acquire(queueName)
	if !ok {
		return job.NoJob, nil
	}

	req := job.LeaseRequest{
		Queue:    queueName,
		WorkerID: workerID,
		Token:    uuid.NewString(),
		Duration: leaseDuration,
		Now:      q.now(),
	}

	out, err := q.leaseTiers(ctx, req)
	if err != nil || out.Empty() {
		permit.Refund()
		return job.NoJob, err
	}

	if permit != nil {
		q.mu.Lock()
		q.permits[out.Job.LeaseToken] = permit
		q.mu.Unlock()
	}

	q.ext.EmitJobLeased(ctx, out.Job)
	return out, nil
}

func (q *Queue) leaseTiers(ctx context.Context, req job.LeaseRequest) (job.LeaseOutcome, error) {
	order := q.tiers.Next(req.Queue)
	if len(order) == 0 {
		out, err := q.store.LeaseJob(ctx, req)
		return out, conveyor.Transient("lease", err)
	}
	for _, p := range order {
		req.Priorities = []job.Priority{p}
		out, err := q.store.LeaseJob(ctx, req)
		if err != nil {
			return job.NoJob, conveyor.Transient("lease", err)
		}
		if !out.Empty() {
			return out, nil
		}
	}
	return job.NoJob, nil
}

func (q *Queue) releasePermit(token string) {
	q.mu.Lock()
	p := q.permits[token]
	delete(q.permits, token)
	q.mu.Unlock()
	p.Release()
}

// ──────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────

// Acknowledge marks a leased job succeeded. Acknowledging the same lease
// twice is a no-op. If the lease was reclaimed meanwhile a
// *conveyor.LeaseExpiredError is returned.
func (q *Queue) Acknowledge(ctx context.Context, j *job.Job) error {
	defer q.releasePermit(j.LeaseToken)

	now := q.now()
	if err := q.store.AckJob(ctx, j.ID, j.LeaseToken, now); err != nil {
		return q.outcomeError("acknowledge", j, err)
	}
	j.Status = job.StatusSucceeded
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// Fail records a failed attempt and moves the job according to d: back to
// retrying after d.Delay, dead-lettered, or failed.
func (q *Queue) Fail(ctx context.Context, j *job.Job, cause error, d retry.Decision) error {
	defer q.releasePermit(j.LeaseToken)

	now := q.now()
	req := job.FailRequest{
		Token: j.LeaseToken,
		Error: errorText(cause),
		Now:   now,
	}
	switch {
	case d.ShouldRetry:
		req.Outcome = job.FailRetry
		req.AvailableAt = now.Add(d.Delay)
	case d.IsDeadLetter:
		req.Outcome = job.FailDeadLetter
	default:
		req.Outcome = job.FailDiscard
	}

	if err := q.store.FailJob(ctx, j.ID, req); err != nil {
		return q.outcomeError("fail", j, err)
	}

	j.Status = req.Outcome.Status()
	j.LastError = req.Error
	j.UpdatedAt = now
	if req.Outcome == job.FailRetry {
		j.AvailableAt = req.AvailableAt
	} else {
		j.CompletedAt = &now
	}
	return nil
}

// ExtendLease pushes the lease of a held job leaseDuration into the future.
func (q *Queue) ExtendLease(ctx context.Context, j *job.Job, leaseDuration time.Duration) error {
	until := q.now().Add(leaseDuration)
	if err := q.store.ExtendLease(ctx, j.ID, j.LeaseToken, until); err != nil {
		return q.outcomeError("extend lease", j, err)
	}
	j.LeaseExpiresAt = &until
	return nil
}

func (q *Queue) outcomeError(op string, j *job.Job, err error) error {
	if errors.Is(err, conveyor.ErrLeaseExpired) {
		return &conveyor.LeaseExpiredError{JobID: j.ID.String(), Token: j.LeaseToken}
	}
	return conveyor.Transient(op, err)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ──────────────────────────────────────────────────
// Maintenance and inspection
// ──────────────────────────────────────────────────

const reclaimBatch = 100

// ReclaimExpiredLeases returns every job whose lease has expired to
// pending, or dead-letters it when its attempts are used up. It reports
// how many jobs were reclaimed.
func (q *Queue) ReclaimExpiredLeases(ctx context.Context) (int, error) {
	total := 0
	for {
		jobs, err := q.store.ReclaimExpiredLeases(ctx, q.now(), reclaimBatch)
		if err != nil {
			return total, conveyor.Transient("reclaim", err)
		}
		for _, j := range jobs {
			q.logger.Warn("lease expired, job reclaimed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.String("status", string(j.Status)),
				slog.Int("attempts", j.Attempts),
			)
			q.ext.EmitLeaseReclaimed(ctx, j)
		}
		total += len(jobs)
		if len(jobs) < reclaimBatch {
			return total, nil
		}
	}
}

// Cancel withdraws a job that has not been leased yet.
func (q *Queue) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := q.store.CancelJob(ctx, jobID, "cancelled", q.now())
	if err != nil {
		return nil, conveyor.Transient("cancel", err)
	}
	q.ext.EmitJobCancelled(ctx, j)
	return j, nil
}

// Depth returns the number of waiting (pending or retrying) jobs in
// queueName, optionally restricted to one priority tier.
func (q *Queue) Depth(ctx context.Context, queueName string, priority *job.Priority) (int64, error) {
	var total int64
	for _, s := range []job.Status{job.StatusPending, job.StatusRetrying} {
		n, err := q.store.CountJobs(ctx, job.CountOpts{Queue: queueName, Status: s, Priority: priority})
		if err != nil {
			return 0, conveyor.Transient("depth", err)
		}
		total += n
	}
	return total, nil
}
