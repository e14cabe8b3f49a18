// Package storetest is a conformance suite for store.Store backends. Every
// backend runs it: memory in unit tests, Postgres and Redis in integration
// tests against real servers.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/store"
)

// Factory returns an empty, migrated store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Lifecycle", testLifecycle},
		{"EnqueueAndGet", testEnqueueAndGet},
		{"EnqueueBoundedConcurrent", testEnqueueBoundedConcurrent},
		{"LeaseOrdering", testLeaseOrdering},
		{"LeaseRespectsAvailableAt", testLeaseRespectsAvailableAt},
		{"LeaseTierFilter", testLeaseTierFilter},
		{"LeaseStampsLease", testLeaseStampsLease},
		{"LeaseMutualExclusion", testLeaseMutualExclusion},
		{"AckIdempotent", testAckIdempotent},
		{"FailOutcomes", testFailOutcomes},
		{"ExtendLease", testExtendLease},
		{"ReclaimExpiredLeases", testReclaimExpiredLeases},
		{"Cancel", testCancel},
		{"DropOldest", testDropOldest},
		{"ListCountPurge", testListCountPurge},
		{"Schedules", testSchedules},
		{"AdvanceScheduleRace", testAdvanceScheduleRace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// base is truncated to milliseconds, the coarsest resolution any backend
// stores.
func base() time.Time { return time.Now().UTC().Truncate(time.Millisecond) }

// NewJob builds a pending job that is eligible at avail.
func NewJob(queue string, p job.Priority, avail time.Time) *job.Job {
	j := &job.Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		Type:        "sync_inventory",
		Queue:       queue,
		Payload:     []byte(`{"sku":"A-1"}`),
		Priority:    p,
		Status:      job.StatusPending,
		MaxAttempts: 3,
		AvailableAt: avail,
		Timeout:     time.Minute,
	}
	j.CreatedAt = avail
	return j
}

func mustEnqueue(t *testing.T, s store.Store, jobs ...*job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.EnqueueJob(context.Background(), j); err != nil {
			t.Fatalf("EnqueueJob(%s): %v", j.ID, err)
		}
	}
}

func lease(t *testing.T, s store.Store, queue string, now time.Time, tiers ...job.Priority) *job.Job {
	t.Helper()
	out, err := s.LeaseJob(context.Background(), job.LeaseRequest{
		Queue:      queue,
		WorkerID:   id.NewWorkerID(),
		Token:      uuid.NewString(),
		Duration:   30 * time.Second,
		Priorities: tiers,
		Now:        now,
	})
	if err != nil {
		t.Fatalf("LeaseJob: %v", err)
	}
	return out.Job
}

func mustGet(t *testing.T, s store.Store, jobID id.JobID) *job.Job {
	t.Helper()
	j, err := s.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", jobID, err)
	}
	return j
}

func testLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func testEnqueueAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("default", job.PriorityNormal, base())
	mustEnqueue(t, s, j)

	got := mustGet(t, s, j.ID)
	if got.Type != j.Type || got.Queue != j.Queue || string(got.Payload) != string(j.Payload) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Status != job.StatusPending || got.Priority != job.PriorityNormal || got.MaxAttempts != 3 {
		t.Errorf("unexpected fields: status=%s priority=%s max=%d", got.Status, got.Priority, got.MaxAttempts)
	}
	if got.Timeout != time.Minute {
		t.Errorf("timeout = %v", got.Timeout)
	}

	if err := s.EnqueueJob(ctx, j); !errors.Is(err, conveyor.ErrJobAlreadyExists) {
		t.Errorf("duplicate enqueue: got %v, want ErrJobAlreadyExists", err)
	}
	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("missing job: got %v, want ErrJobNotFound", err)
	}
}

func testEnqueueBoundedConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	const maxDepth, producers = 5, 40

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.EnqueueJobBounded(ctx, NewJob("bounded", job.PriorityNormal, base()), maxDepth)
			if err != nil {
				t.Errorf("EnqueueJobBounded: %v", err)
				return
			}
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted != maxDepth {
		t.Errorf("accepted = %d, want %d", accepted, maxDepth)
	}
	n, err := s.CountJobs(ctx, job.CountOpts{Queue: "bounded", Status: job.StatusPending})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != maxDepth {
		t.Errorf("depth = %d, want %d", n, maxDepth)
	}

	// Non-waiting jobs do not count toward the bound.
	if got := lease(t, s, "bounded", base().Add(time.Second)); got == nil {
		t.Fatal("expected a job to lease")
	}
	extra := NewJob("bounded", job.PriorityNormal, base())
	ok, err := s.EnqueueJobBounded(ctx, extra, maxDepth)
	if err != nil || !ok {
		t.Fatalf("EnqueueJobBounded after lease = %v, %v; want inserted", ok, err)
	}
	if _, err := s.EnqueueJobBounded(ctx, extra, maxDepth+1); !errors.Is(err, conveyor.ErrJobAlreadyExists) {
		t.Errorf("duplicate bounded enqueue: got %v, want ErrJobAlreadyExists", err)
	}
}

func testLeaseOrdering(t *testing.T, s store.Store) {
	now := base()
	low := NewJob("orders", job.PriorityLow, now.Add(-time.Hour))
	normalLate := NewJob("orders", job.PriorityNormal, now.Add(-time.Second))
	normalEarly := NewJob("orders", job.PriorityNormal, now.Add(-time.Minute))
	high := NewJob("orders", job.PriorityHigh, now)
	other := NewJob("emails", job.PriorityHigh, now.Add(-time.Hour))
	mustEnqueue(t, s, low, normalLate, normalEarly, high, other)

	want := []id.JobID{high.ID, normalEarly.ID, normalLate.ID, low.ID}
	for i, w := range want {
		got := lease(t, s, "orders", now)
		if got == nil {
			t.Fatalf("lease %d: nothing leased", i)
		}
		if got.ID.String() != w.String() {
			t.Fatalf("lease %d: got %s (%s), want %s", i, got.ID, got.Priority, w)
		}
	}
	if got := lease(t, s, "orders", now); got != nil {
		t.Fatalf("queue should be drained, leased %s", got.ID)
	}
}

func testLeaseRespectsAvailableAt(t *testing.T, s store.Store) {
	now := base()
	future := NewJob("default", job.PriorityHigh, now.Add(time.Minute))
	mustEnqueue(t, s, future)

	if got := lease(t, s, "default", now); got != nil {
		t.Fatalf("leased a job before its available_at: %s", got.ID)
	}
	if got := lease(t, s, "default", now.Add(time.Minute)); got == nil {
		t.Fatal("job should be eligible when available_at == now")
	}
}

func testLeaseTierFilter(t *testing.T, s store.Store) {
	now := base()
	high := NewJob("default", job.PriorityHigh, now)
	low := NewJob("default", job.PriorityLow, now)
	mustEnqueue(t, s, high, low)

	got := lease(t, s, "default", now, job.PriorityLow)
	if got == nil || got.ID.String() != low.ID.String() {
		t.Fatalf("tier filter ignored: got %v", got)
	}
	if got := lease(t, s, "default", now, job.PriorityNormal); got != nil {
		t.Fatalf("empty tier leased %s", got.ID)
	}
}

func testLeaseStampsLease(t *testing.T, s store.Store) {
	now := base()
	j := NewJob("default", job.PriorityNormal, now)
	mustEnqueue(t, s, j)

	workerID := id.NewWorkerID()
	token := uuid.NewString()
	out, err := s.LeaseJob(context.Background(), job.LeaseRequest{
		Queue: "default", WorkerID: workerID, Token: token, Duration: time.Minute, Now: now,
	})
	if err != nil || out.Empty() {
		t.Fatalf("LeaseJob = (%v, %v)", out, err)
	}

	for _, got := range []*job.Job{out.Job, mustGet(t, s, j.ID)} {
		if got.Status != job.StatusLeased || got.Attempts != 1 {
			t.Errorf("status=%s attempts=%d, want leased/1", got.Status, got.Attempts)
		}
		if got.LeaseToken != token || got.LeasedBy.String() != workerID.String() {
			t.Errorf("lease holder not recorded: token=%q by=%s", got.LeaseToken, got.LeasedBy)
		}
		if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.Equal(now.Add(time.Minute)) {
			t.Errorf("lease_expires_at = %v, want %v", got.LeaseExpiresAt, now.Add(time.Minute))
		}
	}
}

func testLeaseMutualExclusion(t *testing.T, s store.Store) {
	const (
		jobs    = 40
		leasers = 12
	)
	now := base()
	for i := 0; i < jobs; i++ {
		mustEnqueue(t, s, NewJob("contended", job.PriorityNormal, now))
	}

	var (
		mu     sync.Mutex
		seen   = make(map[string]int)
		wg     sync.WaitGroup
		failed error
	)
	for w := 0; w < leasers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				out, err := s.LeaseJob(context.Background(), job.LeaseRequest{
					Queue: "contended", WorkerID: id.NewWorkerID(), Token: uuid.NewString(),
					Duration: time.Minute, Now: now,
				})
				mu.Lock()
				if err != nil {
					failed = err
					mu.Unlock()
					return
				}
				if out.Empty() {
					mu.Unlock()
					return
				}
				seen[out.Job.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failed != nil {
		t.Fatalf("LeaseJob: %v", failed)
	}
	if len(seen) != jobs {
		t.Fatalf("leased %d distinct jobs, want %d", len(seen), jobs)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Errorf("job %s leased %d times", jobID, n)
		}
	}
}

func testAckIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()
	mustEnqueue(t, s, NewJob("default", job.PriorityNormal, now))
	leased := lease(t, s, "default", now)

	if err := s.AckJob(ctx, leased.ID, "not-the-token", now); !errors.Is(err, conveyor.ErrLeaseExpired) {
		t.Fatalf("ack with wrong token: got %v, want ErrLeaseExpired", err)
	}
	if err := s.AckJob(ctx, leased.ID, leased.LeaseToken, now); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := s.AckJob(ctx, leased.ID, leased.LeaseToken, now); err != nil {
		t.Fatalf("repeated ack must be a no-op, got %v", err)
	}

	got := mustGet(t, s, leased.ID)
	if got.Status != job.StatusSucceeded || got.Attempts != 1 {
		t.Errorf("status=%s attempts=%d", got.Status, got.Attempts)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func testFailOutcomes(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()

	tests := []struct {
		outcome job.FailOutcome
		want    job.Status
	}{
		{job.FailRetry, job.StatusRetrying},
		{job.FailDeadLetter, job.StatusDeadLettered},
		{job.FailDiscard, job.StatusFailed},
	}
	for _, tt := range tests {
		queue := "fail-" + string(tt.want)
		mustEnqueue(t, s, NewJob(queue, job.PriorityNormal, now))
		leased := lease(t, s, queue, now)

		retryAt := now.Add(5 * time.Second)
		err := s.FailJob(ctx, leased.ID, job.FailRequest{
			Token: leased.LeaseToken, Error: "smtp: 451", Outcome: tt.outcome, AvailableAt: retryAt, Now: now,
		})
		if err != nil {
			t.Fatalf("FailJob(%s): %v", tt.want, err)
		}

		got := mustGet(t, s, leased.ID)
		if got.Status != tt.want || got.LastError != "smtp: 451" {
			t.Errorf("outcome %d: status=%s last_error=%q", tt.outcome, got.Status, got.LastError)
		}
		if tt.outcome != job.FailRetry {
			continue
		}

		if !got.AvailableAt.Equal(retryAt) {
			t.Errorf("available_at = %v, want %v", got.AvailableAt, retryAt)
		}
		if again := lease(t, s, queue, now); again != nil {
			t.Error("retrying job leased before its delay elapsed")
		}
		again := lease(t, s, queue, retryAt)
		if again == nil || again.Attempts != 2 {
			t.Fatalf("retry lease = %+v, want attempts 2", again)
		}
		stale := job.FailRequest{Token: leased.LeaseToken, Error: "late", Outcome: job.FailRetry, Now: now}
		if err := s.FailJob(ctx, leased.ID, stale); !errors.Is(err, conveyor.ErrLeaseExpired) {
			t.Errorf("fail with superseded token: got %v, want ErrLeaseExpired", err)
		}
	}
}

func testExtendLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()
	mustEnqueue(t, s, NewJob("default", job.PriorityNormal, now))
	leased := lease(t, s, "default", now)

	until := now.Add(10 * time.Minute)
	if err := s.ExtendLease(ctx, leased.ID, leased.LeaseToken, until); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	if got := mustGet(t, s, leased.ID); got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.Equal(until) {
		t.Errorf("lease_expires_at = %v, want %v", got.LeaseExpiresAt, until)
	}
	if err := s.ExtendLease(ctx, leased.ID, "other", until); !errors.Is(err, conveyor.ErrLeaseExpired) {
		t.Errorf("extend with wrong token: got %v, want ErrLeaseExpired", err)
	}

	reclaimed, err := s.ReclaimExpiredLeases(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("extended lease was reclaimed")
	}
}

func testReclaimExpiredLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()

	crashed := NewJob("default", job.PriorityNormal, now)
	lastTry := NewJob("final", job.PriorityNormal, now)
	lastTry.MaxAttempts = 1
	mustEnqueue(t, s, crashed, lastTry)

	first := lease(t, s, "default", now)
	final := lease(t, s, "final", now)

	later := now.Add(31 * time.Second)
	reclaimed, err := s.ReclaimExpiredLeases(ctx, later, 10)
	if err != nil {
		t.Fatalf("ReclaimExpiredLeases: %v", err)
	}
	if len(reclaimed) != 2 {
		t.Fatalf("reclaimed %d jobs, want 2", len(reclaimed))
	}

	got := mustGet(t, s, first.ID)
	if got.Status != job.StatusPending || got.Attempts != 1 || got.LeaseExpiresAt != nil {
		t.Errorf("crashed job: status=%s attempts=%d lease=%v", got.Status, got.Attempts, got.LeaseExpiresAt)
	}
	if got := mustGet(t, s, final.ID); got.Status != job.StatusDeadLettered {
		t.Errorf("exhausted job status = %s, want dead_lettered", got.Status)
	}

	if err := s.AckJob(ctx, first.ID, first.LeaseToken, later); !errors.Is(err, conveyor.ErrLeaseExpired) {
		t.Errorf("ack after reclaim: got %v, want ErrLeaseExpired", err)
	}

	second := lease(t, s, "default", later)
	if second == nil || second.ID.String() != first.ID.String() || second.Attempts != 2 {
		t.Fatalf("reclaimed job not leased again: %+v", second)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Error("a new lease must carry a new token")
	}
}

func testCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()
	waiting := NewJob("default", job.PriorityNormal, now.Add(time.Hour))
	running := NewJob("running", job.PriorityNormal, now)
	mustEnqueue(t, s, waiting, running)
	lease(t, s, "running", now)

	got, err := s.CancelJob(ctx, waiting.ID, "customer withdrew export", now)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s", got.Status)
	}
	if _, err := s.CancelJob(ctx, running.ID, "x", now); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Errorf("cancel leased job: got %v, want ErrInvalidState", err)
	}
	if _, err := s.CancelJob(ctx, id.NewJobID(), "x", now); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("cancel missing job: got %v, want ErrJobNotFound", err)
	}
}

func testDropOldest(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()
	oldest := NewJob("bulk", job.PriorityHigh, now.Add(-time.Hour))
	newer := NewJob("bulk", job.PriorityLow, now)
	mustEnqueue(t, s, oldest, newer)

	dropped, err := s.DropOldestJob(ctx, "bulk", "dropped: queue overflow", now)
	if err != nil {
		t.Fatalf("DropOldestJob: %v", err)
	}
	if dropped.ID.String() != oldest.ID.String() || dropped.Status != job.StatusCancelled {
		t.Errorf("dropped %s (%s), want %s cancelled", dropped.ID, dropped.Status, oldest.ID)
	}
	if _, err := s.DropOldestJob(ctx, "empty", "x", now); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("empty queue: got %v, want ErrJobNotFound", err)
	}
}

func testListCountPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()
	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, NewJob("reports", job.PriorityHigh, now))
	}
	mustEnqueue(t, s, NewJob("reports", job.PriorityLow, now))
	mustEnqueue(t, s, NewJob("emails", job.PriorityLow, now))

	high := job.PriorityHigh
	n, err := s.CountJobs(ctx, job.CountOpts{Queue: "reports", Status: job.StatusPending, Priority: &high})
	if err != nil || n != 3 {
		t.Fatalf("CountJobs(high) = (%d, %v), want 3", n, err)
	}
	if n, _ := s.CountJobs(ctx, job.CountOpts{}); n != 5 {
		t.Errorf("CountJobs(all) = %d, want 5", n)
	}

	page, err := s.ListJobs(ctx, job.ListOpts{Queue: "reports", Limit: 2, Offset: 1})
	if err != nil || len(page) != 2 {
		t.Fatalf("ListJobs page = (%d, %v), want 2", len(page), err)
	}

	leased := lease(t, s, "emails", now)
	if err := s.FailJob(ctx, leased.ID, job.FailRequest{
		Token: leased.LeaseToken, Error: "bounced", Outcome: job.FailDeadLetter, Now: now,
	}); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	dead, err := s.ListJobs(ctx, job.ListOpts{Status: job.StatusDeadLettered})
	if err != nil || len(dead) != 1 {
		t.Fatalf("ListJobs(dead) = (%d, %v)", len(dead), err)
	}

	purged, err := s.PurgeJobs(ctx, job.StatusDeadLettered, now.Add(time.Hour))
	if err != nil || purged != 1 {
		t.Fatalf("PurgeJobs = (%d, %v), want 1", purged, err)
	}
	if _, err := s.GetJob(ctx, leased.ID); !errors.Is(err, conveyor.ErrJobNotFound) {
		t.Errorf("purged job still present: %v", err)
	}
	if _, err := s.PurgeJobs(ctx, job.StatusPending, now); err == nil {
		t.Error("purging non-terminal jobs must fail")
	}
}

// NewSchedule builds an enabled schedule due at next.
func NewSchedule(name string, next time.Time) *cron.Schedule {
	return &cron.Schedule{
		Entity:     conveyor.NewEntity(),
		ID:         id.NewScheduleID(),
		Name:       name,
		Expression: "*/5 * * * *",
		Timezone:   "UTC",
		Enabled:    true,
		NextRunAt:  next,
		Template: cron.Template{
			Type:        "generate_report",
			Payload:     []byte(`{"kind":"sales"}`),
			Queue:       "reports",
			Priority:    job.PriorityLow,
			MaxAttempts: 5,
			Timeout:     10 * time.Minute,
		},
	}
}

func testSchedules(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()

	due := NewSchedule("nightly", now.Add(-time.Minute))
	later := NewSchedule("hourly", now.Add(time.Hour))
	off := NewSchedule("disabled", now.Add(-time.Minute))
	off.Enabled = false
	for _, sc := range []*cron.Schedule{due, later, off} {
		if err := s.CreateSchedule(ctx, sc); err != nil {
			t.Fatalf("CreateSchedule(%s): %v", sc.Name, err)
		}
	}
	if err := s.CreateSchedule(ctx, NewSchedule("nightly", now)); !errors.Is(err, conveyor.ErrDuplicateSchedule) {
		t.Errorf("duplicate name: got %v, want ErrDuplicateSchedule", err)
	}

	got, err := s.GetScheduleByName(ctx, "nightly")
	if err != nil {
		t.Fatalf("GetScheduleByName: %v", err)
	}
	if got.Template.Type != "generate_report" || got.Template.Priority != job.PriorityLow ||
		got.Template.MaxAttempts != 5 || string(got.Template.Payload) != `{"kind":"sales"}` {
		t.Errorf("template round trip: %+v", got.Template)
	}

	all, err := s.ListSchedules(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("ListSchedules = (%d, %v)", len(all), err)
	}
	dueList, err := s.ListDueSchedules(ctx, now)
	if err != nil || len(dueList) != 1 || dueList[0].Name != "nightly" {
		t.Fatalf("ListDueSchedules = %v, %v", dueList, err)
	}

	off.Enabled = true
	if err := s.UpdateSchedule(ctx, off); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if dueList, _ := s.ListDueSchedules(ctx, now); len(dueList) != 2 {
		t.Errorf("enabled schedule not due: %d", len(dueList))
	}

	if err := s.DeleteSchedule(ctx, later.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := s.GetSchedule(ctx, later.ID); !errors.Is(err, conveyor.ErrScheduleNotFound) {
		t.Errorf("deleted schedule: got %v", err)
	}
}

func testAdvanceScheduleRace(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base()
	sc := NewSchedule("race", now.Add(-time.Second))
	if err := s.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	next := now.Add(5 * time.Minute)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.AdvanceSchedule(ctx, sc.ID, sc.NextRunAt, next, now)
			if err != nil {
				t.Errorf("AdvanceSchedule: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d schedulers won the same fire time, want exactly 1", wins)
	}
	got, err := s.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if !got.NextRunAt.Equal(next) || got.LastRunAt == nil || !got.LastRunAt.Equal(now) {
		t.Errorf("next=%v last=%v", got.NextRunAt, got.LastRunAt)
	}
}
