package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/dlq"
	"github.com/rcommerce/conveyor/engine"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/metrics"
	"github.com/rcommerce/conveyor/queue"
	"github.com/rcommerce/conveyor/retry"
	"github.com/rcommerce/conveyor/store/memory"
)

// ──────────────────────────────────────────────────
// Test payloads and helpers
// ──────────────────────────────────────────────────

type receiptPayload struct {
	OrderID string `json:"order_id" msgpack:"order_id"`
	Email   string `json:"email" msgpack:"email"`
}

func newDispatcher(t *testing.T, s *memory.Store, opts ...conveyor.Option) *conveyor.Dispatcher {
	t.Helper()
	base := []conveyor.Option{
		conveyor.WithStore(s),
		conveyor.WithPoolSize(1),
		conveyor.WithWorkerConcurrency(2),
		conveyor.WithQueues("default"),
		conveyor.WithPollInterval(10 * time.Millisecond),
		conveyor.WithShutdownGrace(time.Second),
	}
	d, err := conveyor.New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("conveyor.New: %v", err)
	}
	return d
}

func build(t *testing.T, s *memory.Store, opts ...engine.Option) *engine.Engine {
	t.Helper()
	eng, err := engine.Build(newDispatcher(t, s), opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng
}

func start(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
}

func waitStatus(t *testing.T, eng *engine.Engine, jobID id.JobID, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := eng.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if got.Status == want {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s status = %q, want %q", jobID, got.Status, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ──────────────────────────────────────────────────
// Build
// ──────────────────────────────────────────────────

func TestBuild_NoStore(t *testing.T) {
	d, err := conveyor.New()
	if err != nil {
		t.Fatalf("conveyor.New: %v", err)
	}
	if _, err := engine.Build(d); !errors.Is(err, conveyor.ErrNoStore) {
		t.Fatalf("Build err = %v, want ErrNoStore", err)
	}
}

func TestBuild_RejectsNonPositiveSampleInterval(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		_, err := engine.Build(newDispatcher(t, memory.New()), engine.WithDepthSampleInterval(d))
		if err == nil {
			t.Errorf("WithDepthSampleInterval(%s): Build succeeded, want error", d)
		}
	}
}

// ──────────────────────────────────────────────────
// End-to-end: Register → Enqueue → Process
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd_RegisterEnqueueProcess(t *testing.T) {
	eng := build(t, memory.New())

	var mu sync.Mutex
	var got receiptPayload
	engine.Register(eng, job.NewDefinition("send-receipt", func(_ context.Context, p receiptPayload) error {
		mu.Lock()
		got = p
		mu.Unlock()
		return nil
	}))

	j, err := engine.Enqueue(context.Background(), eng, "send-receipt", receiptPayload{
		OrderID: "o_1001",
		Email:   "alice@example.com",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Status != job.StatusPending {
		t.Errorf("job.Status = %q, want %q", j.Status, job.StatusPending)
	}

	start(t, eng)

	done := waitStatus(t, eng, j.ID, job.StatusSucceeded)
	if done.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", done.Attempts)
	}
	if done.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.OrderID != "o_1001" || got.Email != "alice@example.com" {
		t.Errorf("payload = %+v", got)
	}
}

func TestEngine_MsgPackDefinition(t *testing.T) {
	eng := build(t, memory.New())

	received := make(chan receiptPayload, 1)
	engine.Register(eng, job.NewDefinition("send-receipt", func(_ context.Context, p receiptPayload) error {
		received <- p
		return nil
	}, job.WithCodec(job.MsgPack)))

	if _, err := engine.Enqueue(context.Background(), eng, "send-receipt", receiptPayload{OrderID: "o_7"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start(t, eng)

	select {
	case p := <-received:
		if p.OrderID != "o_7" {
			t.Errorf("OrderID = %q, want o_7", p.OrderID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for msgpack job")
	}
}

// ──────────────────────────────────────────────────
// Enqueue defaults
// ──────────────────────────────────────────────────

func TestEnqueue_DefinitionDefaultsAndOverrides(t *testing.T) {
	eng := build(t, memory.New())
	engine.Register(eng, job.NewDefinition("sync-inventory", func(context.Context, struct{}) error { return nil },
		job.WithQueue("inventory"),
		job.WithPriority(job.PriorityLow),
		job.WithMaxAttempts(7),
	))

	j, err := engine.Enqueue(context.Background(), eng, "sync-inventory", struct{}{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Queue != "inventory" || j.Priority != job.PriorityLow || j.MaxAttempts != 7 {
		t.Errorf("defaults not applied: queue=%q priority=%s max=%d", j.Queue, j.Priority, j.MaxAttempts)
	}

	before := time.Now()
	j, err = engine.Enqueue(context.Background(), eng, "sync-inventory", struct{}{},
		job.WithPriority(job.PriorityHigh),
		job.WithDelay(time.Hour),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.Priority != job.PriorityHigh {
		t.Errorf("Priority = %s, want high", j.Priority)
	}
	if j.AvailableAt.Before(before.Add(59 * time.Minute)) {
		t.Errorf("AvailableAt = %v, want about an hour from now", j.AvailableAt)
	}
}

func TestEnqueue_UnknownTypeUsesDefaults(t *testing.T) {
	eng := build(t, memory.New())

	j, err := eng.EnqueueRaw(context.Background(), "handled-elsewhere", []byte(`{}`))
	if err != nil {
		t.Fatalf("EnqueueRaw: %v", err)
	}
	if j.Queue != "default" || j.MaxAttempts != 3 || j.Priority != job.PriorityNormal {
		t.Errorf("job = queue %q max %d priority %s", j.Queue, j.MaxAttempts, j.Priority)
	}
}

func TestEnqueue_OverflowConfig(t *testing.T) {
	eng := build(t, memory.New(), engine.WithQueueConfig(queue.Config{
		Name:     "default",
		MaxDepth: 1,
		Overflow: queue.DropNewest,
	}))

	ctx := context.Background()
	if _, err := eng.EnqueueRaw(ctx, "noop", nil); err != nil {
		t.Fatalf("first EnqueueRaw: %v", err)
	}
	if _, err := eng.EnqueueRaw(ctx, "noop", nil); !errors.Is(err, conveyor.ErrJobDropped) {
		t.Fatalf("second EnqueueRaw err = %v, want ErrJobDropped", err)
	}
}

// ──────────────────────────────────────────────────
// Retries and dead letters
// ──────────────────────────────────────────────────

func TestEngine_RetryThenDeadLetterThenRequeue(t *testing.T) {
	eng := build(t, memory.New(), engine.WithRetryPolicy(retry.Fixed{Delay: 20 * time.Millisecond}))

	var calls atomic.Int32
	engine.Register(eng, job.NewDefinition("charge-card", func(context.Context, struct{}) error {
		calls.Add(1)
		return errors.New("gateway unavailable")
	}, job.WithMaxAttempts(3)))

	ctx := context.Background()
	j, err := engine.Enqueue(ctx, eng, "charge-card", struct{}{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start(t, eng)

	dead := waitStatus(t, eng, j.ID, job.StatusDeadLettered)
	if dead.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", dead.Attempts)
	}
	if dead.LastError != "gateway unavailable" {
		t.Errorf("LastError = %q", dead.LastError)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("handler calls = %d, want 3", n)
	}

	n, err := eng.DLQService().Count(ctx, "")
	if err != nil {
		t.Fatalf("DLQ Count: %v", err)
	}
	if n != 1 {
		t.Errorf("DLQ Count = %d, want 1", n)
	}
	entries, err := eng.DLQService().List(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("DLQ List: %v", err)
	}
	if len(entries) != 1 || entries[0].JobID.String() != j.ID.String() {
		t.Fatalf("DLQ entries = %+v", entries)
	}

	snap := eng.Metrics().Snapshot()
	if snap.Global.Counts.DeadLettered != 1 || snap.Global.Counts.Retried != 2 {
		t.Errorf("metrics counts = %+v", snap.Global.Counts)
	}

	fresh, err := eng.DLQService().Requeue(ctx, j.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if fresh.ID.String() == j.ID.String() {
		t.Error("requeued job reused the dead job's ID")
	}
	if fresh.Type != "charge-card" || fresh.MaxAttempts != 3 {
		t.Errorf("requeued job = type %q max %d", fresh.Type, fresh.MaxAttempts)
	}
	stillDead, err := eng.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stillDead.Status != job.StatusDeadLettered {
		t.Errorf("dead job status = %q, want dead_lettered", stillDead.Status)
	}
}

func TestEngine_PermanentErrorSkipsRetries(t *testing.T) {
	eng := build(t, memory.New(), engine.WithRetryPolicy(retry.Fixed{Delay: time.Millisecond}))
	engine.Register(eng, job.NewDefinition("refund", func(context.Context, struct{}) error {
		return conveyor.Permanent(errors.New("order not found"))
	}, job.WithMaxAttempts(5)))

	j, err := engine.Enqueue(context.Background(), eng, "refund", struct{}{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start(t, eng)

	dead := waitStatus(t, eng, j.ID, job.StatusDeadLettered)
	if dead.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", dead.Attempts)
	}
}

// ──────────────────────────────────────────────────
// Schedules
// ──────────────────────────────────────────────────

func TestEngine_DueScheduleEnqueuesJob(t *testing.T) {
	s := memory.New()
	eng := build(t, s)
	ctx := context.Background()

	sc := &cron.Schedule{
		Entity:     conveyor.NewEntity(),
		ID:         id.NewScheduleID(),
		Name:       "hourly-settlement",
		Expression: "@hourly",
		Enabled:    true,
		NextRunAt:  time.Now().UTC().Add(-time.Minute),
		Template:   cron.Template{Type: "settle", Queue: "payments", Priority: job.PriorityHigh},
	}
	if err := s.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	fired, err := eng.Scheduler().RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	jobs, err := s.ListJobs(ctx, job.ListOpts{Queue: "payments"})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Type != "settle" || jobs[0].Priority != job.PriorityHigh {
		t.Fatalf("jobs = %+v", jobs)
	}
	if got := eng.Metrics().Snapshot().SchedulesFired; got != 1 {
		t.Errorf("SchedulesFired = %d, want 1", got)
	}
}

func TestEngine_WithSchedulesEnsuredOnStart(t *testing.T) {
	s := memory.New()
	eng := build(t, s, engine.WithSchedules(&cron.Schedule{
		Name:       "nightly-abandoned-carts",
		Expression: "0 2 * * *",
		Timezone:   "America/New_York",
		Enabled:    true,
		Template:   cron.Template{Type: "abandoned-carts"},
	}))
	start(t, eng)

	got, err := s.GetScheduleByName(context.Background(), "nightly-abandoned-carts")
	if err != nil {
		t.Fatalf("GetScheduleByName: %v", err)
	}
	if !got.NextRunAt.After(time.Now()) {
		t.Errorf("NextRunAt = %v, want a future time", got.NextRunAt)
	}
}

func TestRegisterSchedule_Idempotent(t *testing.T) {
	s := memory.New()
	eng := build(t, s)
	ctx := context.Background()

	def := &cron.Definition[receiptPayload]{
		Name:       "weekly-digest",
		Expression: "@weekly",
		JobType:    "digest",
		Payload:    receiptPayload{Email: "ops@example.com"},
	}
	for range 2 {
		if err := engine.RegisterSchedule(ctx, eng, def); err != nil {
			t.Fatalf("RegisterSchedule: %v", err)
		}
	}
	all, err := eng.Scheduler().List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("schedules = %d, want 1", len(all))
	}
}

// ──────────────────────────────────────────────────
// Extension lifecycle events
// ──────────────────────────────────────────────────

type lifecycle struct {
	mu        sync.Mutex
	succeeded []string
	shutdown  bool
}

func (l *lifecycle) Name() string { return "lifecycle" }

func (l *lifecycle) OnJobSucceeded(_ context.Context, j *job.Job, _ time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.succeeded = append(l.succeeded, j.Type)
	return nil
}

func (l *lifecycle) OnShutdown(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdown = true
	return nil
}

func TestEngine_ExtensionEvents(t *testing.T) {
	l := &lifecycle{}
	eng := build(t, memory.New(), engine.WithExtension(l))
	engine.Register(eng, job.NewDefinition("noop", func(context.Context, struct{}) error { return nil }))

	j, err := engine.Enqueue(context.Background(), eng, "noop", struct{}{})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitStatus(t, eng, j.ID, job.StatusSucceeded)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.succeeded) != 1 || l.succeeded[0] != "noop" {
		t.Errorf("succeeded = %v", l.succeeded)
	}
	if !l.shutdown {
		t.Error("shutdown hook not called")
	}
}

// ──────────────────────────────────────────────────
// Metrics wiring
// ──────────────────────────────────────────────────

func TestEngine_MetricsAndDepthSampling(t *testing.T) {
	var alerts atomic.Int32
	eng := build(t, memory.New(),
		engine.WithDepthSampleInterval(20*time.Millisecond),
		engine.WithMetricsOptions(
			metrics.WithRules(metrics.Rule{Name: "backlog", Kind: metrics.DepthAbove, Queue: "default", Threshold: 1}),
			metrics.OnAlert(func(metrics.Alert) { alerts.Add(1) }),
		),
	)
	ctx := context.Background()

	// The engine is never started, so the jobs stay waiting.
	for range 3 {
		if _, err := eng.EnqueueRaw(ctx, "slow-report", nil); err != nil {
			t.Fatalf("EnqueueRaw: %v", err)
		}
	}
	if err := eng.Sampler().Sample(ctx); err != nil {
		t.Fatalf("Sample: %v", err)
	}

	snap := eng.Metrics().Snapshot()
	if got := snap.Queue("default").Waiting(); got != 3 {
		t.Errorf("Waiting = %d, want 3", got)
	}
	if got := snap.Queue("default").Counts.Enqueued; got != 3 {
		t.Errorf("Enqueued = %d, want 3", got)
	}
	firing := eng.Metrics().Evaluate()
	if len(firing) != 1 || firing[0].Rule.Name != "backlog" {
		t.Fatalf("firing = %+v", firing)
	}
	if alerts.Load() != 1 {
		t.Errorf("alert callbacks = %d, want 1", alerts.Load())
	}
}

func TestEngine_StopWithoutStart(t *testing.T) {
	eng := build(t, memory.New())
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestEngine_Ping(t *testing.T) {
	eng := build(t, memory.New())
	if err := eng.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
