package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// entry pairs a hook with the extension name captured at registration.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Hooks are type-cached at registration so each emit walks only
// the extensions that implement it. Registration is expected to finish
// before the engine starts.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued     []entry[JobEnqueued]
	jobDropped      []entry[JobDropped]
	jobLeased       []entry[JobLeased]
	jobCancelled    []entry[JobCancelled]
	leaseReclaimed  []entry[LeaseReclaimed]
	jobExecuted     []entry[JobExecuted]
	jobSucceeded    []entry[JobSucceeded]
	jobRetrying     []entry[JobRetrying]
	jobDeadLettered []entry[JobDeadLettered]
	jobFailed       []entry[JobFailed]
	scheduleFired   []entry[ScheduleFired]
	shutdown        []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func cache[H any](list []entry[H], name string, e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name: name, hook: h})
	}
	return list
}

// Register adds an extension to every hook it implements. Extensions are
// notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	r.jobEnqueued = cache(r.jobEnqueued, name, e)
	r.jobDropped = cache(r.jobDropped, name, e)
	r.jobLeased = cache(r.jobLeased, name, e)
	r.jobCancelled = cache(r.jobCancelled, name, e)
	r.leaseReclaimed = cache(r.leaseReclaimed, name, e)
	r.jobExecuted = cache(r.jobExecuted, name, e)
	r.jobSucceeded = cache(r.jobSucceeded, name, e)
	r.jobRetrying = cache(r.jobRetrying, name, e)
	r.jobDeadLettered = cache(r.jobDeadLettered, name, e)
	r.jobFailed = cache(r.jobFailed, name, e)
	r.scheduleFired = cache(r.scheduleFired, name, e)
	r.shutdown = cache(r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

func emit[H any](r *Registry, hookName string, list []entry[H], call func(H) error) {
	for _, e := range list {
		if err := call(e.hook); err != nil {
			r.logger.Warn("extension hook error",
				slog.String("hook", hookName),
				slog.String("extension", e.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Emitters. Hook errors are logged, never returned.
// ──────────────────────────────────────────────────

func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	emit(r, "OnJobEnqueued", r.jobEnqueued, func(h JobEnqueued) error { return h.OnJobEnqueued(ctx, j) })
}

func (r *Registry) EmitJobDropped(ctx context.Context, j *job.Job) {
	emit(r, "OnJobDropped", r.jobDropped, func(h JobDropped) error { return h.OnJobDropped(ctx, j) })
}

func (r *Registry) EmitJobLeased(ctx context.Context, j *job.Job) {
	emit(r, "OnJobLeased", r.jobLeased, func(h JobLeased) error { return h.OnJobLeased(ctx, j) })
}

func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	emit(r, "OnJobCancelled", r.jobCancelled, func(h JobCancelled) error { return h.OnJobCancelled(ctx, j) })
}

func (r *Registry) EmitLeaseReclaimed(ctx context.Context, j *job.Job) {
	emit(r, "OnLeaseReclaimed", r.leaseReclaimed, func(h LeaseReclaimed) error { return h.OnLeaseReclaimed(ctx, j) })
}

func (r *Registry) EmitJobExecuted(ctx context.Context, j *job.Job, elapsed time.Duration, jobErr error) {
	emit(r, "OnJobExecuted", r.jobExecuted, func(h JobExecuted) error { return h.OnJobExecuted(ctx, j, elapsed, jobErr) })
}

func (r *Registry) EmitJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) {
	emit(r, "OnJobSucceeded", r.jobSucceeded, func(h JobSucceeded) error { return h.OnJobSucceeded(ctx, j, elapsed) })
}

func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, jobErr error, next time.Time) {
	emit(r, "OnJobRetrying", r.jobRetrying, func(h JobRetrying) error { return h.OnJobRetrying(ctx, j, jobErr, next) })
}

func (r *Registry) EmitJobDeadLettered(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobDeadLettered", r.jobDeadLettered, func(h JobDeadLettered) error { return h.OnJobDeadLettered(ctx, j, jobErr) })
}

func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobFailed", r.jobFailed, func(h JobFailed) error { return h.OnJobFailed(ctx, j, jobErr) })
}

func (r *Registry) EmitScheduleFired(ctx context.Context, schedule string, jobID id.JobID) {
	emit(r, "OnScheduleFired", r.scheduleFired, func(h ScheduleFired) error { return h.OnScheduleFired(ctx, schedule, jobID) })
}

func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, "OnShutdown", r.shutdown, func(h Shutdown) error { return h.OnShutdown(ctx) })
}
