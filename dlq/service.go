package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// ListOpts controls pagination and filtering for DLQ list queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue string
}

// Enqueuer submits jobs. *queue.Queue satisfies it, so requeued jobs go
// through the same admission control as new work.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *job.Job) (id.JobID, error)
}

// Service provides DLQ operations over the job store.
type Service struct {
	store    job.Store
	enqueuer Enqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a DLQ service.
func NewService(store job.Store, enqueuer Enqueuer) *Service {
	return &Service{
		store:    store,
		enqueuer: enqueuer,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the service logger and returns the service.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// List returns dead-lettered jobs, oldest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	jobs, err := s.store.ListJobs(ctx, job.ListOpts{
		Queue:  opts.Queue,
		Status: job.StatusDeadLettered,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	out := make([]*Entry, len(jobs))
	for i, j := range jobs {
		out[i] = EntryFromJob(j)
	}
	return out, nil
}

// Get returns one entry. A job that exists but is not dead-lettered is
// reported as conveyor.ErrJobNotFound.
func (s *Service) Get(ctx context.Context, jobID id.JobID) (*Entry, error) {
	j, err := s.dead(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return EntryFromJob(j), nil
}

// Count returns the number of dead-lettered jobs, optionally in one queue.
func (s *Service) Count(ctx context.Context, queue string) (int64, error) {
	n, err := s.store.CountJobs(ctx, job.CountOpts{Queue: queue, Status: job.StatusDeadLettered})
	if err != nil {
		return 0, fmt.Errorf("dlq: count: %w", err)
	}
	return n, nil
}

// Requeue enqueues a fresh copy of a dead-lettered job with attempts reset.
func (s *Service) Requeue(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	dead, err := s.dead(ctx, jobID)
	if err != nil {
		return nil, err
	}

	fresh := &job.Job{
		Type:        dead.Type,
		Queue:       dead.Queue,
		Payload:     dead.Payload,
		Priority:    dead.Priority,
		MaxAttempts: dead.MaxAttempts,
		Timeout:     dead.Timeout,
		AvailableAt: s.now(),
	}
	if _, err := s.enqueuer.Enqueue(ctx, fresh); err != nil {
		return nil, fmt.Errorf("dlq: requeue %s: %w", jobID, err)
	}

	s.logger.Info("dead-lettered job requeued",
		slog.String("job_id", jobID.String()),
		slog.String("new_job_id", fresh.ID.String()),
		slog.String("job_type", fresh.Type),
	)
	return fresh, nil
}

// Purge deletes dead-lettered jobs that failed before the cutoff and
// returns how many were removed.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.PurgeJobs(ctx, job.StatusDeadLettered, before)
	if err != nil {
		return 0, fmt.Errorf("dlq: purge: %w", err)
	}
	if n > 0 {
		s.logger.Info("dead-lettered jobs purged", slog.Int64("count", n), slog.Time("before", before))
	}
	return n, nil
}

func (s *Service) dead(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusDeadLettered {
		return nil, fmt.Errorf("%w: job %s is %s", conveyor.ErrJobNotFound, jobID, j.Status)
	}
	return j, nil
}
