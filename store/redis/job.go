package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// EnqueueJob stores the job Hash and indexes it.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	args := []any{j.ID.String()}
	args = append(args, jobToFields(j)...)

	n, err := s.run(ctx, enqueueScript, args...).Int()
	if err != nil {
		return wrap("enqueue job", err)
	}
	if n == 0 {
		return conveyor.ErrJobAlreadyExists
	}
	return nil
}

// EnqueueJobBounded persists j unless its queue already holds maxDepth
// waiting jobs. The check runs inside the same script as the insert.
func (s *Store) EnqueueJobBounded(ctx context.Context, j *job.Job, maxDepth int64) (bool, error) {
	args := []any{strconv.FormatInt(maxDepth, 10), j.Queue, j.ID.String()}
	args = append(args, jobToFields(j)...)

	n, err := s.run(ctx, enqueueBoundedScript, args...).Int()
	if err != nil {
		return false, wrap("bounded enqueue job", err)
	}
	switch n {
	case -1:
		return false, conveyor.ErrJobAlreadyExists
	case 0:
		return false, nil
	}
	return true, nil
}

// LeaseJob leases the best eligible job. Tiers are tried highest first;
// within a tier the earliest available_at wins, ties broken by ID.
func (s *Store) LeaseJob(ctx context.Context, req job.LeaseRequest) (job.LeaseOutcome, error) {
	tiers := append([]job.Priority(nil), req.Priorities...)
	if len(tiers) == 0 {
		tiers = job.Priorities
	}
	sort.Slice(tiers, func(i, k int) bool { return tiers[i] > tiers[k] })

	args := []any{
		req.Queue,
		micros(req.Now),
		micros(req.Now.Add(req.Duration)),
		req.WorkerID.String(),
		req.Token,
	}
	for _, p := range tiers {
		args = append(args, strconv.Itoa(int(p)))
	}

	reply, err := s.run(ctx, leaseScript, args...).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return job.NoJob, nil
		}
		return job.NoJob, wrap("lease job", err)
	}
	j, err := replyToJob(reply)
	if err != nil {
		return job.NoJob, wrap("lease job", err)
	}
	return job.Leased(j), nil
}

// statusError maps a script status reply to a domain error.
func statusError(op, reply string) error {
	switch reply {
	case "ok":
		return nil
	case "not_found":
		return conveyor.ErrJobNotFound
	case "lease_expired":
		return conveyor.ErrLeaseExpired
	}
	return wrap(op, fmt.Errorf("unexpected reply %q", reply))
}

// AckJob marks a leased job succeeded. A repeated ack with the same token
// is a no-op.
func (s *Store) AckJob(ctx context.Context, jobID id.JobID, token string, now time.Time) error {
	reply, err := s.run(ctx, ackScript, jobID.String(), token, micros(now)).Text()
	if err != nil {
		return wrap("ack job", err)
	}
	return statusError("ack job", reply)
}

// FailJob records a failed attempt.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, req job.FailRequest) error {
	reply, err := s.run(ctx, failScript,
		jobID.String(), req.Token, string(req.Outcome.Status()), req.Error,
		micros(req.Now), micros(req.AvailableAt),
	).Text()
	if err != nil {
		return wrap("fail job", err)
	}
	return statusError("fail job", reply)
}

// ExtendLease moves the lease expiry of a held job.
func (s *Store) ExtendLease(ctx context.Context, jobID id.JobID, token string, until time.Time) error {
	reply, err := s.run(ctx, extendScript, jobID.String(), token, micros(until)).Text()
	if err != nil {
		return wrap("extend lease", err)
	}
	return statusError("extend lease", reply)
}

// ReclaimExpiredLeases returns expired leases to pending, or dead-letters
// them when no attempts remain.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	reply, err := s.run(ctx, reclaimScript, micros(now), strconv.Itoa(limit)).Slice()
	if err != nil {
		return nil, wrap("reclaim leases", err)
	}
	out := make([]*job.Job, 0, len(reply))
	for _, r := range reply {
		j, err := replyToJob(r)
		if err != nil {
			return nil, wrap("reclaim leases", err)
		}
		out = append(out, j)
	}
	return out, nil
}

// tagged decodes the {"ok", job} / {"not_found"} / {"invalid", status}
// replies of the cancel scripts.
func tagged(op string, reply []any) (*job.Job, error) {
	if len(reply) == 0 {
		return nil, wrap(op, errors.New("empty reply"))
	}
	tag, _ := reply[0].(string)
	switch tag {
	case "ok":
		if len(reply) < 2 {
			return nil, wrap(op, errors.New("missing job"))
		}
		j, err := replyToJob(reply[1])
		if err != nil {
			return nil, wrap(op, err)
		}
		return j, nil
	case "not_found":
		return nil, conveyor.ErrJobNotFound
	case "invalid":
		status := ""
		if len(reply) > 1 {
			status, _ = reply[1].(string)
		}
		return nil, fmt.Errorf("%w: cannot cancel %s job", conveyor.ErrInvalidState, status)
	}
	return nil, wrap(op, fmt.Errorf("unexpected reply %q", tag))
}

// CancelJob withdraws a waiting job.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID, reason string, now time.Time) (*job.Job, error) {
	reply, err := s.run(ctx, cancelScript, jobID.String(), reason, micros(now)).Slice()
	if err != nil {
		return nil, wrap("cancel job", err)
	}
	return tagged("cancel job", reply)
}

// DropOldestJob cancels the oldest waiting job of a queue.
func (s *Store) DropOldestJob(ctx context.Context, queue, reason string, now time.Time) (*job.Job, error) {
	reply, err := s.run(ctx, dropOldestScript, queue, reason, micros(now)).Slice()
	if err != nil {
		return nil, wrap("drop oldest job", err)
	}
	return tagged("drop oldest job", reply)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, s.jobKey(jobID.String())).Result()
	if err != nil {
		return nil, wrap("get job", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrJobNotFound
	}
	return mapToJob(vals)
}

// ListJobs returns matching jobs ordered by ID, which is creation order.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	index := s.jobsKey()
	if opts.Status != "" {
		index = s.statusKey(string(opts.Status))
	}
	ids, err := s.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, wrap("list jobs", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, jID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.jobKey(jID))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, wrap("list jobs", err)
		}
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		if opts.Queue != "" && vals["queue"] != opts.Queue {
			continue
		}
		j, err := mapToJob(vals)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return []*job.Job{}, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && len(jobs) > opts.Limit {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs sums the maintained counters matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	vals, err := s.client.HGetAll(ctx, s.countsKey()).Result()
	if err != nil {
		return 0, wrap("count jobs", err)
	}

	var total int64
	for field, v := range vals {
		// Queue names may contain '|'; status and priority never do.
		parts := strings.Split(field, "|")
		if len(parts) < 3 {
			continue
		}
		parts = []string{strings.Join(parts[:len(parts)-2], "|"), parts[len(parts)-2], parts[len(parts)-1]}
		if opts.Queue != "" && parts[0] != opts.Queue {
			continue
		}
		if opts.Status != "" && parts[1] != string(opts.Status) {
			continue
		}
		if opts.Priority != nil && parts[2] != strconv.Itoa(int(*opts.Priority)) {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, wrap("count jobs", err)
		}
		total += n
	}
	return total, nil
}

// PurgeJobs deletes terminal jobs last updated before the cutoff.
func (s *Store) PurgeJobs(ctx context.Context, status job.Status, before time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("%w: only terminal jobs can be purged", conveyor.ErrInvalidState)
	}
	n, err := s.run(ctx, purgeScript, string(status), micros(before)).Int64()
	if err != nil {
		return 0, wrap("purge jobs", err)
	}
	return n, nil
}

// ── encoding ──

func jobToFields(j *job.Job) []any {
	return []any{
		"id", j.ID.String(),
		"job_type", j.Type,
		"queue", j.Queue,
		"payload", string(j.Payload),
		"priority", strconv.Itoa(int(j.Priority)),
		"status", string(j.Status),
		"attempts", strconv.Itoa(j.Attempts),
		"max_attempts", strconv.Itoa(j.MaxAttempts),
		"available_at", micros(j.AvailableAt),
		"lease_expires_at", microsPtr(j.LeaseExpiresAt),
		"leased_by", j.LeasedBy.String(),
		"lease_token", j.LeaseToken,
		"last_error", j.LastError,
		"timeout_ns", strconv.FormatInt(int64(j.Timeout), 10),
		"completed_at", microsPtr(j.CompletedAt),
		"created_at", micros(j.CreatedAt),
		"updated_at", micros(j.UpdatedAt),
	}
}

func replyToJob(reply any) (*job.Job, error) {
	m, err := pairs(reply)
	if err != nil {
		return nil, err
	}
	return mapToJob(m)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	var (
		j    job.Job
		errs []error
	)
	atoi := func(field string) int {
		n, err := strconv.Atoi(m[field])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return n
	}
	at := func(field string) time.Time {
		t, err := parseMicros(m[field])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return t
	}
	atPtr := func(field string) *time.Time {
		t, err := parseMicrosPtr(m[field])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return t
	}

	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, wrap("parse job id", err)
	}
	j.ID = jID
	if w := m["leased_by"]; w != "" {
		if j.LeasedBy, err = id.ParseWorkerID(w); err != nil {
			errs = append(errs, fmt.Errorf("leased_by: %w", err))
		}
	}

	j.Type = m["job_type"]
	j.Queue = m["queue"]
	if p := m["payload"]; p != "" {
		j.Payload = []byte(p)
	}
	j.Priority = job.Priority(atoi("priority"))
	j.Status = job.Status(m["status"])
	j.Attempts = atoi("attempts")
	j.MaxAttempts = atoi("max_attempts")
	j.AvailableAt = at("available_at")
	j.LeaseExpiresAt = atPtr("lease_expires_at")
	j.LeaseToken = m["lease_token"]
	j.LastError = m["last_error"]
	j.CompletedAt = atPtr("completed_at")
	j.CreatedAt = at("created_at")
	j.UpdatedAt = at("updated_at")
	timeout, err := strconv.ParseInt(m["timeout_ns"], 10, 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("timeout_ns: %w", err))
	}
	j.Timeout = time.Duration(timeout)

	if err := errors.Join(errs...); err != nil {
		return nil, wrap(fmt.Sprintf("decode job %s", m["id"]), err)
	}
	return &j, nil
}
