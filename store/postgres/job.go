package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

const jobColumns = `
	id, job_type, queue, payload, priority, status, attempts, max_attempts,
	available_at, lease_expires_at, leased_by, lease_token, last_error,
	timeout_ns, completed_at, created_at, updated_at`

// EnqueueJob persists a new job.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conveyor_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		j.ID, j.Type, j.Queue, payloadOrEmpty(j.Payload), int16(j.Priority), string(j.Status),
		j.Attempts, j.MaxAttempts, j.AvailableAt, j.LeaseExpiresAt, j.LeasedBy,
		j.LeaseToken, j.LastError, j.Timeout.Nanoseconds(), j.CompletedAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrJobAlreadyExists
		}
		return fmt.Errorf("conveyor/postgres: enqueue job: %w", err)
	}
	return nil
}

// EnqueueJobBounded inserts j only while its queue holds fewer than
// maxDepth waiting jobs. A transaction-scoped advisory lock on the queue
// name serializes bounded inserts across processes, so the count the
// INSERT sees cannot be raced by another producer.
func (s *Store) EnqueueJobBounded(ctx context.Context, j *job.Job, maxDepth int64) (bool, error) {
	var inserted bool
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, j.Queue); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO conveyor_jobs (`+jobColumns+`)
			SELECT $1::text, $2::text, $3::text, $4::bytea, $5::smallint, $6::text,
				$7::integer, $8::integer, $9::timestamptz, $10::timestamptz, $11::text,
				$12::text, $13::text, $14::bigint, $15::timestamptz, $16::timestamptz, $17::timestamptz
			WHERE (
				SELECT count(*) FROM conveyor_jobs
				WHERE queue = $3::text AND status IN ('pending', 'retrying')
			) < $18::bigint`,
			j.ID, j.Type, j.Queue, payloadOrEmpty(j.Payload), int16(j.Priority), string(j.Status),
			j.Attempts, j.MaxAttempts, j.AvailableAt, j.LeaseExpiresAt, j.LeasedBy,
			j.LeaseToken, j.LastError, j.Timeout.Nanoseconds(), j.CompletedAt,
			j.CreatedAt, j.UpdatedAt, maxDepth,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		if isDuplicateKey(err) {
			return false, conveyor.ErrJobAlreadyExists
		}
		return false, fmt.Errorf("conveyor/postgres: bounded enqueue job: %w", err)
	}
	return inserted, nil
}

// LeaseJob claims the best eligible job of the queue. SKIP LOCKED lets
// concurrent callers pass over a row another transaction is claiming.
func (s *Store) LeaseJob(ctx context.Context, req job.LeaseRequest) (job.LeaseOutcome, error) {
	tiers := make([]int16, 0, len(req.Priorities))
	for _, p := range req.Priorities {
		tiers = append(tiers, int16(p))
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_jobs SET
			status = 'leased',
			attempts = attempts + 1,
			lease_expires_at = $3,
			leased_by = $4,
			lease_token = $5,
			updated_at = $2
		WHERE id = (
			SELECT id FROM conveyor_jobs
			WHERE queue = $1
			  AND status IN ('pending', 'retrying')
			  AND available_at <= $2
			  AND attempts < max_attempts
			  AND (cardinality($6::smallint[]) = 0 OR priority = ANY($6::smallint[]))
			ORDER BY priority DESC, available_at ASC, created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING`+jobColumns,
		req.Queue, req.Now, req.Now.Add(req.Duration), req.WorkerID, req.Token, tiers,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return job.NoJob, nil
		}
		return job.NoJob, fmt.Errorf("conveyor/postgres: lease job: %w", err)
	}
	return job.Leased(j), nil
}

// leaseMiss explains why a token-conditional update touched no row.
func (s *Store) leaseMiss(ctx context.Context, jobID id.JobID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: check job: %w", err)
	}
	if !exists {
		return conveyor.ErrJobNotFound
	}
	return conveyor.ErrLeaseExpired
}

// AckJob marks a leased job succeeded. The token stays on the row so a
// repeated ack can be recognised.
func (s *Store) AckJob(ctx context.Context, jobID id.JobID, token string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs SET
			status = 'succeeded',
			lease_expires_at = NULL,
			completed_at = $3,
			updated_at = $3
		WHERE id = $1 AND lease_token = $2 AND status = 'leased'`,
		jobID, token, now,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: ack job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var acked bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM conveyor_jobs WHERE id = $1 AND lease_token = $2 AND status = 'succeeded')`,
		jobID, token,
	).Scan(&acked)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: check ack: %w", err)
	}
	if acked {
		return nil
	}
	return s.leaseMiss(ctx, jobID)
}

// FailJob records a failed attempt.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, req job.FailRequest) error {
	var (
		query string
		args  []any
	)
	if req.Outcome == job.FailRetry {
		query = `
			UPDATE conveyor_jobs SET
				status = $3, last_error = $4, lease_expires_at = NULL,
				available_at = $6, lease_token = '', leased_by = NULL, updated_at = $5
			WHERE id = $1 AND lease_token = $2 AND status = 'leased'`
		args = []any{jobID, req.Token, string(req.Outcome.Status()), req.Error, req.Now, req.AvailableAt}
	} else {
		query = `
			UPDATE conveyor_jobs SET
				status = $3, last_error = $4, lease_expires_at = NULL,
				completed_at = $5, updated_at = $5
			WHERE id = $1 AND lease_token = $2 AND status = 'leased'`
		args = []any{jobID, req.Token, string(req.Outcome.Status()), req.Error, req.Now}
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseMiss(ctx, jobID)
	}
	return nil
}

// ExtendLease moves the lease expiry of a held job.
func (s *Store) ExtendLease(ctx context.Context, jobID id.JobID, token string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_jobs SET lease_expires_at = $3
		WHERE id = $1 AND lease_token = $2 AND status = 'leased'`,
		jobID, token, until,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseMiss(ctx, jobID)
	}
	return nil
}

// ReclaimExpiredLeases returns expired leases to pending, or dead-letters
// them when no attempts remain. A limit of zero reclaims every expired
// lease.
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH expired AS (
			SELECT id FROM conveyor_jobs
			WHERE status = 'leased' AND lease_expires_at < $1
			ORDER BY lease_expires_at
			LIMIT NULLIF($2::int, 0)
			FOR UPDATE SKIP LOCKED
		)
		UPDATE conveyor_jobs j SET
			lease_expires_at = NULL,
			lease_token = '',
			leased_by = NULL,
			updated_at = $1,
			status = CASE WHEN j.attempts >= j.max_attempts THEN 'dead_lettered' ELSE 'pending' END,
			last_error = CASE WHEN j.attempts >= j.max_attempts
				THEN 'lease expired on final attempt ' || j.attempts
				ELSE j.last_error END,
			completed_at = CASE WHEN j.attempts >= j.max_attempts THEN $1 ELSE j.completed_at END,
			available_at = CASE WHEN j.attempts >= j.max_attempts THEN j.available_at ELSE $1 END
		FROM expired
		WHERE j.id = expired.id
		RETURNING `+prefixed("j"),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: reclaim leases: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CancelJob withdraws a waiting job.
func (s *Store) CancelJob(ctx context.Context, jobID id.JobID, reason string, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_jobs SET
			status = 'cancelled', last_error = $2, completed_at = $3, updated_at = $3
		WHERE id = $1 AND status IN ('pending', 'retrying')
		RETURNING`+jobColumns,
		jobID, reason, now,
	)
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("conveyor/postgres: cancel job: %w", err)
	}

	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: cannot cancel %s job", conveyor.ErrInvalidState, current.Status)
}

// DropOldestJob cancels the oldest waiting job of a queue.
func (s *Store) DropOldestJob(ctx context.Context, queue, reason string, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE conveyor_jobs SET
			status = 'cancelled', last_error = $2, completed_at = $3, updated_at = $3
		WHERE id = (
			SELECT id FROM conveyor_jobs
			WHERE queue = $1 AND status IN ('pending', 'retrying')
			ORDER BY created_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING`+jobColumns,
		queue, reason, now,
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: drop oldest job: %w", err)
	}
	return j, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM conveyor_jobs WHERE id = $1`, jobID)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrJobNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get job: %w", err)
	}
	return j, nil
}

// ListJobs returns matching jobs, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + ` FROM conveyor_jobs WHERE 1=1`
	var args []any
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY id ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM conveyor_jobs WHERE 1=1`
	var args []any
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Priority != nil {
		query += fmt.Sprintf(" AND priority = $%d", argIdx)
		args = append(args, int16(*opts.Priority))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("conveyor/postgres: count jobs: %w", err)
	}
	return count, nil
}

// PurgeJobs deletes terminal jobs last updated before the cutoff.
func (s *Store) PurgeJobs(ctx context.Context, status job.Status, before time.Time) (int64, error) {
	if !status.Terminal() {
		return 0, fmt.Errorf("%w: only terminal jobs can be purged", conveyor.ErrInvalidState)
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conveyor_jobs WHERE status = $1 AND updated_at < $2`,
		string(status), before,
	)
	if err != nil {
		return 0, fmt.Errorf("conveyor/postgres: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		priority  int16
		status    string
		timeoutNs int64
	)
	err := row.Scan(
		&j.ID, &j.Type, &j.Queue, &j.Payload, &priority, &status, &j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &j.LeaseExpiresAt, &j.LeasedBy, &j.LeaseToken, &j.LastError,
		&timeoutNs, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Priority = job.Priority(priority)
	j.Status = job.Status(status)
	j.Timeout = time.Duration(timeoutNs)
	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

func payloadOrEmpty(p []byte) []byte {
	if p == nil {
		return []byte{}
	}
	return p
}
