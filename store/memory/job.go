package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// EnqueueJob persists a new job.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conveyor.ErrJobAlreadyExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// EnqueueJobBounded persists j unless queue j.Queue already holds
// maxDepth waiting jobs.
func (m *Store) EnqueueJobBounded(_ context.Context, j *job.Job, maxDepth int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return false, conveyor.ErrJobAlreadyExists
	}
	var depth int64
	for _, other := range m.jobs {
		if other.Queue == j.Queue && other.Status.Waiting() {
			depth++
		}
	}
	if depth >= maxDepth {
		return false, nil
	}
	m.jobs[key] = j.Clone()
	return true, nil
}

func tierAllowed(p job.Priority, tiers []job.Priority) bool {
	if len(tiers) == 0 {
		return true
	}
	for _, t := range tiers {
		if p == t {
			return true
		}
	}
	return false
}

// LeaseJob picks the best eligible job of the queue and leases it.
func (m *Store) LeaseJob(_ context.Context, req job.LeaseRequest) (job.LeaseOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *job.Job
	for _, j := range m.jobs {
		if j.Queue != req.Queue || !j.Eligible(req.Now) || !tierAllowed(j.Priority, req.Priorities) {
			continue
		}
		if best == nil || job.Less(j, best) {
			best = j
		}
	}
	if best == nil {
		return job.NoJob, nil
	}

	expires := req.Now.Add(req.Duration)
	best.Status = job.StatusLeased
	best.Attempts++
	best.LeaseExpiresAt = &expires
	best.LeasedBy = req.WorkerID
	best.LeaseToken = req.Token
	best.UpdatedAt = req.Now
	return job.Leased(best.Clone()), nil
}

// holder returns the job if token currently holds its lease.
func (m *Store) holder(jobID id.JobID, token string) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	if j.Status != job.StatusLeased || j.LeaseToken != token {
		return nil, conveyor.ErrLeaseExpired
	}
	return j, nil
}

// AckJob marks a leased job succeeded.
func (m *Store) AckJob(_ context.Context, jobID id.JobID, token string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j, ok := m.jobs[jobID.String()]; ok && j.Status == job.StatusSucceeded && j.LeaseToken == token {
		return nil
	}
	j, err := m.holder(jobID, token)
	if err != nil {
		return err
	}
	j.Status = job.StatusSucceeded
	j.LeaseExpiresAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// FailJob records a failed attempt.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, req job.FailRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.holder(jobID, req.Token)
	if err != nil {
		return err
	}
	j.Status = req.Outcome.Status()
	j.LastError = req.Error
	j.LeaseExpiresAt = nil
	j.UpdatedAt = req.Now
	if req.Outcome == job.FailRetry {
		j.AvailableAt = req.AvailableAt
		j.LeaseToken = ""
		j.LeasedBy = id.Nil
	} else {
		now := req.Now
		j.CompletedAt = &now
	}
	return nil
}

// ExtendLease moves the lease expiry of a held job.
func (m *Store) ExtendLease(_ context.Context, jobID id.JobID, token string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.holder(jobID, token)
	if err != nil {
		return err
	}
	j.LeaseExpiresAt = &until
	return nil
}

// ReclaimExpiredLeases returns expired leases to pending or dead-letters
// them when no attempts remain.
func (m *Store) ReclaimExpiredLeases(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusLeased && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			expired = append(expired, j)
		}
	}
	sort.Slice(expired, func(i, k int) bool { return expired[i].LeaseExpiresAt.Before(*expired[k].LeaseExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	out := make([]*job.Job, 0, len(expired))
	for _, j := range expired {
		reclaim(j, now)
		out = append(out, j.Clone())
	}
	return out, nil
}

func reclaim(j *job.Job, now time.Time) {
	j.LeaseExpiresAt = nil
	j.LeaseToken = ""
	j.LeasedBy = id.Nil
	j.UpdatedAt = now
	if j.AttemptsExhausted() {
		j.Status = job.StatusDeadLettered
		j.LastError = fmt.Sprintf("lease expired on final attempt %d", j.Attempts)
		j.CompletedAt = &now
		return
	}
	j.Status = job.StatusPending
	j.AvailableAt = now
}

// CancelJob withdraws a waiting job.
func (m *Store) CancelJob(_ context.Context, jobID id.JobID, reason string, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	if !j.Status.Waiting() {
		return nil, fmt.Errorf("%w: cannot cancel %s job", conveyor.ErrInvalidState, j.Status)
	}
	cancel(j, reason, now)
	return j.Clone(), nil
}

func cancel(j *job.Job, reason string, now time.Time) {
	j.Status = job.StatusCancelled
	j.LastError = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// DropOldestJob cancels the oldest waiting job of a queue.
func (m *Store) DropOldestJob(_ context.Context, queue, reason string, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *job.Job
	for _, j := range m.jobs {
		if j.Queue != queue || !j.Status.Waiting() {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) ||
			(j.CreatedAt.Equal(oldest.CreatedAt) && id.Compare(j.ID, oldest.ID) < 0) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, conveyor.ErrJobNotFound
	}
	cancel(oldest, reason, now)
	return oldest.Clone(), nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conveyor.ErrJobNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns matching jobs, oldest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*job.Job
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(i, k int) bool { return id.Compare(matched[i].ID, matched[k].ID) < 0 })

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return []*job.Job{}, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*job.Job, len(matched))
	for i, j := range matched {
		out[i] = j.Clone()
	}
	return out, nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.Priority != nil && j.Priority != *opts.Priority {
			continue
		}
		n++
	}
	return n, nil
}

// PurgeJobs deletes terminal jobs last updated before the cutoff.
func (m *Store) PurgeJobs(_ context.Context, status job.Status, before time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("%w: only terminal jobs can be purged", conveyor.ErrInvalidState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, j := range m.jobs {
		if j.Status == status && j.UpdatedAt.Before(before) {
			delete(m.jobs, key)
			n++
		}
	}
	return n, nil
}
