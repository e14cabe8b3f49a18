package ext_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/rcommerce/conveyor/ext"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// recorder implements every hook.
type recorder struct {
	calls []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) add(s string) error { r.calls = append(r.calls, s); return nil }

func (r *recorder) OnJobEnqueued(context.Context, *job.Job) error  { return r.add("enqueued") }
func (r *recorder) OnJobDropped(context.Context, *job.Job) error   { return r.add("dropped") }
func (r *recorder) OnJobLeased(context.Context, *job.Job) error    { return r.add("leased") }
func (r *recorder) OnJobCancelled(context.Context, *job.Job) error { return r.add("cancelled") }
func (r *recorder) OnLeaseReclaimed(context.Context, *job.Job) error {
	return r.add("reclaimed")
}
func (r *recorder) OnJobExecuted(context.Context, *job.Job, time.Duration, error) error {
	return r.add("executed")
}
func (r *recorder) OnJobSucceeded(context.Context, *job.Job, time.Duration) error {
	return r.add("succeeded")
}
func (r *recorder) OnJobRetrying(context.Context, *job.Job, error, time.Time) error {
	return r.add("retrying")
}
func (r *recorder) OnJobDeadLettered(context.Context, *job.Job, error) error {
	return r.add("dead_lettered")
}
func (r *recorder) OnJobFailed(context.Context, *job.Job, error) error { return r.add("failed") }
func (r *recorder) OnScheduleFired(context.Context, string, id.JobID) error {
	return r.add("schedule_fired")
}
func (r *recorder) OnShutdown(context.Context) error { return r.add("shutdown") }

// enqueueOnly implements a single hook.
type enqueueOnly struct {
	n int
}

func (e *enqueueOnly) Name() string { return "enqueue-only" }

func (e *enqueueOnly) OnJobEnqueued(context.Context, *job.Job) error {
	e.n++
	return nil
}

type failing struct{}

func (failing) Name() string { return "failing" }

func (failing) OnJobEnqueued(context.Context, *job.Job) error { return errors.New("boom") }

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_EveryHookFires(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	rec := &recorder{}
	r.Register(rec)

	ctx := context.Background()
	j := &job.Job{ID: id.NewJobID(), Type: "send_receipt"}
	errFail := errors.New("fail")

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobDropped(ctx, j)
	r.EmitJobLeased(ctx, j)
	r.EmitJobCancelled(ctx, j)
	r.EmitLeaseReclaimed(ctx, j)
	r.EmitJobExecuted(ctx, j, time.Second, nil)
	r.EmitJobSucceeded(ctx, j, time.Second)
	r.EmitJobRetrying(ctx, j, errFail, time.Now())
	r.EmitJobDeadLettered(ctx, j, errFail)
	r.EmitJobFailed(ctx, j, errFail)
	r.EmitScheduleFired(ctx, "nightly-report", j.ID)
	r.EmitShutdown(ctx)

	want := []string{
		"enqueued", "dropped", "leased", "cancelled", "reclaimed", "executed",
		"succeeded", "retrying", "dead_lettered", "failed", "schedule_fired", "shutdown",
	}
	if len(rec.calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), rec.calls)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, rec.calls[i], want[i])
		}
	}
}

func TestRegistry_OnlyImplementorsCalled(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	rec := &recorder{}
	eo := &enqueueOnly{}
	r.Register(rec)
	r.Register(eo)

	ctx := context.Background()
	j := &job.Job{}

	r.EmitJobEnqueued(ctx, j)
	r.EmitJobLeased(ctx, j)

	if eo.n != 1 {
		t.Errorf("enqueue-only called %d times, want 1", eo.n)
	}
	if len(rec.calls) != 2 {
		t.Errorf("recorder calls = %v", rec.calls)
	}
	if got := len(r.Extensions()); got != 2 {
		t.Errorf("expected 2 extensions, got %d", got)
	}
}

func TestRegistry_HookErrorsAreLoggedNotPropagated(t *testing.T) {
	var buf bytes.Buffer
	r := ext.NewRegistry(slog.New(slog.NewTextHandler(&buf, nil)))
	after := &enqueueOnly{}
	r.Register(failing{})
	r.Register(after)

	r.EmitJobEnqueued(context.Background(), &job.Job{})

	if after.n != 1 {
		t.Fatal("a failing hook must not stop later extensions")
	}
	out := buf.String()
	if !strings.Contains(out, "extension hook error") || !strings.Contains(out, "extension=failing") {
		t.Errorf("expected warning in log, got %q", out)
	}
}

func TestRegistry_EmptyIsNoop(t *testing.T) {
	r := ext.NewRegistry(nil)
	r.EmitShutdown(context.Background())
	r.EmitJobEnqueued(context.Background(), &job.Job{})
}
