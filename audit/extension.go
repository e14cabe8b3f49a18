package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/rcommerce/conveyor/ext"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

var (
	_ ext.Extension       = (*Extension)(nil)
	_ ext.JobEnqueued     = (*Extension)(nil)
	_ ext.JobDropped      = (*Extension)(nil)
	_ ext.JobCancelled    = (*Extension)(nil)
	_ ext.JobSucceeded    = (*Extension)(nil)
	_ ext.JobRetrying     = (*Extension)(nil)
	_ ext.JobDeadLettered = (*Extension)(nil)
	_ ext.JobFailed       = (*Extension)(nil)
	_ ext.LeaseReclaimed  = (*Extension)(nil)
	_ ext.ScheduleFired   = (*Extension)(nil)
)

// Extension records job and schedule transitions through a Recorder.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all
	logger   *slog.Logger
}

// New creates an Extension that records through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{recorder: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// OnJobEnqueued implements ext.JobEnqueued.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobEnqueued, SeverityInfo, OutcomeSuccess, j, nil,
		"priority", j.Priority.String(),
		"available_at", j.AvailableAt.Format(time.RFC3339),
	)
}

// OnJobDropped implements ext.JobDropped.
func (e *Extension) OnJobDropped(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobDropped, SeverityWarning, OutcomeFailure, j, nil)
}

// OnJobCancelled implements ext.JobCancelled.
func (e *Extension) OnJobCancelled(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobCancelled, SeverityInfo, OutcomeSuccess, j, nil)
}

// OnJobSucceeded implements ext.JobSucceeded.
func (e *Extension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.recordJob(ctx, ActionJobSucceeded, SeverityInfo, OutcomeSuccess, j, nil,
		"attempts", j.Attempts,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, err error, next time.Time) error {
	return e.recordJob(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure, j, err,
		"attempts", j.Attempts,
		"max_attempts", j.MaxAttempts,
		"next_attempt_at", next.Format(time.RFC3339),
	)
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (e *Extension) OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error {
	return e.recordJob(ctx, ActionJobDeadLettered, SeverityCritical, OutcomeFailure, j, err,
		"attempts", j.Attempts,
	)
}

// OnJobFailed implements ext.JobFailed. It fires when the retry policy
// discards the job instead of dead-lettering it.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, err error) error {
	return e.recordJob(ctx, ActionJobDiscarded, SeverityCritical, OutcomeFailure, j, err,
		"attempts", j.Attempts,
	)
}

// OnLeaseReclaimed implements ext.LeaseReclaimed.
func (e *Extension) OnLeaseReclaimed(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionLeaseReclaimed, SeverityWarning, OutcomeFailure, j, nil,
		"status", string(j.Status),
		"attempts", j.Attempts,
	)
}

// OnScheduleFired implements ext.ScheduleFired.
func (e *Extension) OnScheduleFired(ctx context.Context, schedule string, jobID id.JobID) error {
	return e.record(ctx, &Event{
		Action:     ActionScheduleFired,
		Resource:   ResourceSchedule,
		Category:   CategorySchedule,
		ResourceID: schedule,
		Outcome:    OutcomeSuccess,
		Severity:   SeverityInfo,
		Metadata:   map[string]any{"job_id": jobID.String()},
	})
}

func (e *Extension) recordJob(ctx context.Context, action, severity, outcome string, j *job.Job, err error, kv ...any) error {
	meta := make(map[string]any, len(kv)/2+3)
	meta["job_type"] = j.Type
	meta["queue"] = j.Queue
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			meta[key] = kv[i+1]
		}
	}
	evt := &Event{
		Action:     action,
		Resource:   ResourceJob,
		Category:   CategoryJob,
		ResourceID: j.ID.String(),
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
	}
	if err != nil {
		evt.Reason = err.Error()
		meta["error"] = err.Error()
	}
	return e.record(ctx, evt)
}

// record never fails the hook; recorder errors are logged.
func (e *Extension) record(ctx context.Context, evt *Event) error {
	if e.enabled != nil && !e.enabled[evt.Action] {
		return nil
	}
	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("audit: failed to record event",
			slog.String("action", evt.Action),
			slog.String("resource_id", evt.ResourceID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
