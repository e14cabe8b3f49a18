package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// EnqueueFunc is the callback the scheduler uses to enqueue jobs. The
// engine provides it, which keeps this package free of the queue.
type EnqueueFunc func(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (id.JobID, error)

// Emitter emits schedule lifecycle events. ext.Registry satisfies it.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, schedule string, jobID id.JobID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often the scheduler looks for due schedules.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler materializes jobs from schedules.
//
// Several scheduler instances may run against the same store. Each due
// fire time is claimed with a compare-and-set on next_run_at, and only the
// winner enqueues, so a fire time produces at most one job. Missed fire
// times are not backfilled: after downtime a schedule fires once and its
// next_run_at jumps past now.
type Scheduler struct {
	store   Store
	enqueue EnqueueFunc
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	interval time.Duration

	specMu sync.RWMutex
	specs  map[string]*Spec

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewScheduler creates a Scheduler.
func NewScheduler(store Store, enqueue EnqueueFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		enqueue:  enqueue,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		interval: time.Second,
		specs:    make(map[string]*Spec),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the check loop. A stopped scheduler can be started
// again; starting a running one is a no-op.
func (s *Scheduler) Start(_ context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopCh != nil {
		return nil
	}

	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)
	s.logger.Info("scheduler started", slog.Duration("check_interval", s.interval))
	return nil
}

// Stop signals the loop to stop and waits for the current check.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.runMu.Lock()
	stop, done := s.stopCh, s.done
	s.stopCh = nil
	s.runMu.Unlock()
	if stop == nil {
		return nil
	}

	close(stop)
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				s.logger.Error("scheduler check failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce fires every due schedule once and returns how many jobs this
// instance enqueued.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	fired := 0
	for _, sc := range due {
		if !sc.Enabled || sc.NextRunAt.After(now) {
			continue
		}
		if s.fire(ctx, sc, now) {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, sc *Schedule, now time.Time) bool {
	spec, err := s.spec(sc)
	if err != nil {
		s.logger.Error("schedule has invalid expression",
			slog.String("schedule", sc.Name),
			slog.String("expression", sc.Expression),
			slog.String("error", err.Error()),
		)
		return false
	}

	next := spec.Next(now)
	won, err := s.store.AdvanceSchedule(ctx, sc.ID, sc.NextRunAt, next, now)
	if err != nil {
		s.logger.Error("advance schedule failed",
			slog.String("schedule", sc.Name),
			slog.String("error", err.Error()),
		)
		return false
	}
	if !won {
		return false
	}

	// The advance stands even if the enqueue fails: this fire time is lost
	// rather than retried, matching the no-backfill rule.
	jobID, err := s.enqueue(ctx, sc.Template.Type, sc.Template.Payload, sc.Template.Options()...)
	if err != nil {
		s.logger.Error("schedule enqueue failed",
			slog.String("schedule", sc.Name),
			slog.String("job_type", sc.Template.Type),
			slog.Time("fire_time", sc.NextRunAt),
			slog.String("error", err.Error()),
		)
		return false
	}

	if s.emitter != nil {
		s.emitter.EmitScheduleFired(ctx, sc.Name, jobID)
	}
	s.logger.Info("schedule fired",
		slog.String("schedule", sc.Name),
		slog.String("job_type", sc.Template.Type),
		slog.String("job_id", jobID.String()),
		slog.Time("next_run_at", next),
	)
	return true
}

func (s *Scheduler) spec(sc *Schedule) (*Spec, error) {
	key := sc.Timezone + "|" + sc.Expression

	s.specMu.RLock()
	spec, ok := s.specs[key]
	s.specMu.RUnlock()
	if ok {
		return spec, nil
	}

	spec, err := Compile(sc.Expression, sc.Timezone)
	if err != nil {
		return nil, err
	}
	s.specMu.Lock()
	s.specs[key] = spec
	s.specMu.Unlock()
	return spec, nil
}

// ──────────────────────────────────────────────────
// Administration
// ──────────────────────────────────────────────────

// Create validates and persists a schedule, computing its first fire time.
func (s *Scheduler) Create(ctx context.Context, sc *Schedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	spec, err := s.spec(sc)
	if err != nil {
		return err
	}
	if sc.ID.IsNil() {
		sc.ID = id.NewScheduleID()
	}
	sc.Entity = conveyor.NewEntity()
	sc.NextRunAt = spec.Next(s.now())
	if err := s.store.CreateSchedule(ctx, sc); err != nil {
		return err
	}
	s.logger.Info("schedule created",
		slog.String("schedule", sc.Name),
		slog.String("expression", sc.Expression),
		slog.Bool("enabled", sc.Enabled),
		slog.Time("next_run_at", sc.NextRunAt),
	)
	return nil
}

// Ensure creates the schedule, or leaves an existing schedule with the same
// name untouched. It is the idempotent form used at application start.
func (s *Scheduler) Ensure(ctx context.Context, sc *Schedule) error {
	err := s.Create(ctx, sc)
	if errors.Is(err, conveyor.ErrDuplicateSchedule) {
		return nil
	}
	return err
}

// Enable turns a schedule on. Its next fire time is recomputed from now so
// that time spent disabled is not backfilled.
func (s *Scheduler) Enable(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error) {
	return s.setEnabled(ctx, scheduleID, true)
}

// Disable turns a schedule off. Disabled schedules never fire.
func (s *Scheduler) Disable(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error) {
	return s.setEnabled(ctx, scheduleID, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, scheduleID id.ScheduleID, enabled bool) (*Schedule, error) {
	sc, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if enabled && !sc.Enabled {
		spec, specErr := s.spec(sc)
		if specErr != nil {
			return nil, specErr
		}
		sc.NextRunAt = spec.Next(s.now())
	}
	sc.Enabled = enabled
	sc.Touch()
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, scheduleID id.ScheduleID) error {
	return s.store.DeleteSchedule(ctx, scheduleID)
}

// Get returns a schedule by ID.
func (s *Scheduler) Get(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error) {
	return s.store.GetSchedule(ctx, scheduleID)
}

// List returns every schedule.
func (s *Scheduler) List(ctx context.Context) ([]*Schedule, error) {
	return s.store.ListSchedules(ctx)
}

// Register builds a schedule from a typed definition and ensures it exists.
func Register[T any](ctx context.Context, s *Scheduler, def *Definition[T]) error {
	codec := def.Codec
	if codec == nil {
		codec = job.JSON
	}
	payload, err := codec.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("encode payload for schedule %q: %w", def.Name, err)
	}
	return s.Ensure(ctx, &Schedule{
		Name:       def.Name,
		Expression: def.Expression,
		Timezone:   def.Timezone,
		Enabled:    true,
		Template: Template{
			Type:        def.JobType,
			Payload:     payload,
			Queue:       def.Queue,
			Priority:    def.Priority,
			MaxAttempts: def.MaxAttempts,
		},
	})
}
