package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/ext"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/queue"
	"github.com/rcommerce/conveyor/retry"
	"github.com/rcommerce/conveyor/store/memory"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type events struct {
	mu        sync.Mutex
	dropped   []*job.Job
	reclaimed int
	leased    int
}

func (e *events) Name() string { return "events" }

func (e *events) OnJobDropped(_ context.Context, j *job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropped = append(e.dropped, j)
	return nil
}

func (e *events) OnLeaseReclaimed(context.Context, *job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reclaimed++
	return nil
}

func (e *events) OnJobLeased(context.Context, *job.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leased++
	return nil
}

func newQueue(t *testing.T, opts ...queue.Option) (*queue.Queue, *clock, *events) {
	t.Helper()
	c := newClock()
	ev := &events{}
	reg := ext.NewRegistry(nil)
	reg.Register(ev)
	base := []queue.Option{queue.WithClock(c.Now), queue.WithExtensions(reg), queue.WithBlockPollInterval(5 * time.Millisecond)}
	return queue.New(memory.New(), append(base, opts...)...), c, ev
}

func newJob(queueName string, p job.Priority) *job.Job {
	return &job.Job{
		Type:        "charge_card",
		Queue:       queueName,
		Payload:     []byte(`{"order":"ord_1"}`),
		Priority:    p,
		MaxAttempts: 3,
	}
}

func enqueue(t *testing.T, q *queue.Queue, j *job.Job) id.JobID {
	t.Helper()
	jobID, err := q.Enqueue(context.Background(), j)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return jobID
}

func leaseOne(t *testing.T, q *queue.Queue, queueName string) *job.Job {
	t.Helper()
	out, err := q.Lease(context.Background(), queueName, id.NewWorkerID(), 30*time.Second)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	return out.Job
}

// ──────────────────────────────────────────────────
// Enqueue and lease
// ──────────────────────────────────────────────────

func TestEnqueue_FillsDefaults(t *testing.T) {
	q, c, _ := newQueue(t)
	j := &job.Job{Type: "send_receipt", Queue: "emails", MaxAttempts: 1, Attempts: 7, Status: job.StatusSucceeded}

	jobID := enqueue(t, q, j)

	got, err := q.Store().GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != job.StatusPending || got.Attempts != 0 || got.Priority != job.PriorityNormal {
		t.Errorf("status=%s attempts=%d priority=%s", got.Status, got.Attempts, got.Priority)
	}
	if !got.AvailableAt.Equal(c.Now()) {
		t.Errorf("available_at = %v, want now", got.AvailableAt)
	}
}

func TestEnqueue_StampsEntityFromClock(t *testing.T) {
	q, c, _ := newQueue(t)
	c.Advance(-48 * time.Hour)

	got, err := q.Store().GetJob(context.Background(), enqueue(t, q, newJob("default", job.PriorityNormal)))
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(c.Now()) || !got.UpdatedAt.Equal(c.Now()) {
		t.Errorf("created_at=%v updated_at=%v, want %v", got.CreatedAt, got.UpdatedAt, c.Now())
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	q, _, _ := newQueue(t)
	_, err := q.Enqueue(context.Background(), &job.Job{Queue: "default", MaxAttempts: 1})
	if !errors.Is(err, conveyor.ErrInvalidJob) {
		t.Fatalf("missing type: got %v, want ErrInvalidJob", err)
	}
}

func TestLease_HighBeforeLow(t *testing.T) {
	q, _, ev := newQueue(t)
	low := enqueue(t, q, newJob("default", job.PriorityLow))
	high := enqueue(t, q, newJob("default", job.PriorityHigh))

	first := leaseOne(t, q, "default")
	if first == nil || first.ID.String() != high.String() {
		t.Fatalf("first lease = %v, want high-priority job", first)
	}
	if first.LeaseToken == "" || first.Attempts != 1 {
		t.Errorf("lease token %q attempts %d", first.LeaseToken, first.Attempts)
	}
	second := leaseOne(t, q, "default")
	if second == nil || second.ID.String() != low.String() {
		t.Fatalf("second lease = %v, want low-priority job", second)
	}
	if leaseOne(t, q, "default") != nil {
		t.Fatal("empty queue should lease nothing")
	}
	if ev.leased != 2 {
		t.Errorf("leased events = %d, want 2", ev.leased)
	}
}

func TestLease_WeightedRoundRobinServesLow(t *testing.T) {
	q, _, _ := newQueue(t, queue.WithTierSelector(queue.NewWeightedRoundRobin(queue.DefaultWeights())))
	for i := 0; i < 20; i++ {
		enqueue(t, q, newJob("default", job.PriorityHigh))
	}
	low := enqueue(t, q, newJob("default", job.PriorityLow))

	for i := 0; i < 10; i++ {
		if j := leaseOne(t, q, "default"); j.ID.String() == low.String() {
			return
		}
	}
	t.Fatal("low-priority job starved behind a busy high tier")
}

func TestLease_ConcurrencyPermitReleasedOnOutcome(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "exports", MaxConcurrency: 1})
	q, _, _ := newQueue(t, queue.WithManager(m))
	enqueue(t, q, newJob("exports", job.PriorityNormal))
	enqueue(t, q, newJob("exports", job.PriorityNormal))

	first := leaseOne(t, q, "exports")
	if first == nil {
		t.Fatal("expected a lease")
	}
	if leaseOne(t, q, "exports") != nil {
		t.Fatal("second lease must wait for the concurrency slot")
	}
	if err := q.Acknowledge(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if leaseOne(t, q, "exports") == nil {
		t.Fatal("slot should be free after acknowledge")
	}
}

func TestLease_EmptyLeaseRefundsPermit(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "exports", MaxConcurrency: 1})
	q, _, _ := newQueue(t, queue.WithManager(m))

	for i := 0; i < 3; i++ {
		if leaseOne(t, q, "exports") != nil {
			t.Fatal("nothing to lease")
		}
	}
	if got := m.ActiveCount("exports"); got != 0 {
		t.Fatalf("empty leases leaked %d permits", got)
	}
}

// ──────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────

func TestAcknowledge_Idempotent(t *testing.T) {
	q, _, _ := newQueue(t)
	enqueue(t, q, newJob("default", job.PriorityNormal))
	j := leaseOne(t, q, "default")

	ctx := context.Background()
	if err := q.Acknowledge(ctx, j); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := q.Acknowledge(ctx, j); err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if j.Status != job.StatusSucceeded || j.CompletedAt == nil {
		t.Errorf("local copy not updated: %s", j.Status)
	}
}

func TestFail_RetryDelaysAvailability(t *testing.T) {
	q, c, _ := newQueue(t)
	enqueue(t, q, newJob("default", job.PriorityNormal))
	j := leaseOne(t, q, "default")

	d := retry.Decision{ShouldRetry: true, Delay: 10 * time.Second}
	if err := q.Fail(context.Background(), j, errors.New("gateway 502"), d); err != nil {
		t.Fatal(err)
	}
	if j.Status != job.StatusRetrying || j.LastError != "gateway 502" {
		t.Errorf("status=%s last_error=%q", j.Status, j.LastError)
	}

	if leaseOne(t, q, "default") != nil {
		t.Fatal("job leased before its retry delay")
	}
	c.Advance(10 * time.Second)
	again := leaseOne(t, q, "default")
	if again == nil || again.Attempts != 2 {
		t.Fatalf("retry lease = %+v", again)
	}
}

func TestFail_DeadLetterAndDiscard(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	enqueue(t, q, newJob("default", job.PriorityNormal))
	j := leaseOne(t, q, "default")
	if err := q.Fail(ctx, j, errors.New("card declined"), retry.Decision{IsDeadLetter: true}); err != nil {
		t.Fatal(err)
	}
	if j.Status != job.StatusDeadLettered {
		t.Errorf("status = %s, want dead_lettered", j.Status)
	}

	enqueue(t, q, newJob("default", job.PriorityNormal))
	j = leaseOne(t, q, "default")
	if err := q.Fail(ctx, j, errors.New("obsolete"), retry.Discard); err != nil {
		t.Fatal(err)
	}
	if j.Status != job.StatusFailed {
		t.Errorf("status = %s, want failed", j.Status)
	}
}

func TestReclaim_ExpiredLeaseReturnsToPending(t *testing.T) {
	q, c, ev := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, newJob("default", job.PriorityNormal))
	crashed := leaseOne(t, q, "default")

	if n, err := q.ReclaimExpiredLeases(ctx); err != nil || n != 0 {
		t.Fatalf("live lease reclaimed: (%d, %v)", n, err)
	}

	c.Advance(31 * time.Second)
	n, err := q.ReclaimExpiredLeases(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReclaimExpiredLeases = (%d, %v), want 1", n, err)
	}
	if ev.reclaimed != 1 {
		t.Errorf("reclaimed events = %d", ev.reclaimed)
	}

	var lee *conveyor.LeaseExpiredError
	if err := q.Acknowledge(ctx, crashed); !errors.As(err, &lee) {
		t.Fatalf("stale ack: got %v, want *LeaseExpiredError", err)
	}
	if err := q.ExtendLease(ctx, crashed, time.Minute); !errors.Is(err, conveyor.ErrLeaseExpired) {
		t.Fatalf("stale heartbeat: got %v, want ErrLeaseExpired", err)
	}

	again := leaseOne(t, q, "default")
	if again == nil || again.Attempts != 2 {
		t.Fatalf("reclaimed job = %+v, want attempts 2 on re-lease", again)
	}
}

func TestCancel(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()
	jobID := enqueue(t, q, newJob("default", job.PriorityNormal))

	j, err := q.Cancel(ctx, jobID)
	if err != nil || j.Status != job.StatusCancelled {
		t.Fatalf("Cancel = (%v, %v)", j, err)
	}
	if _, err := q.Cancel(ctx, jobID); !errors.Is(err, conveyor.ErrInvalidState) {
		t.Errorf("second cancel: got %v, want ErrInvalidState", err)
	}
	if leaseOne(t, q, "default") != nil {
		t.Error("cancelled job was leased")
	}
}

// ──────────────────────────────────────────────────
// Overflow
// ──────────────────────────────────────────────────

func TestOverflow_DropNewest(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "bulk", MaxDepth: 2, Overflow: queue.DropNewest})
	q, _, ev := newQueue(t, queue.WithManager(m))

	enqueue(t, q, newJob("bulk", job.PriorityNormal))
	enqueue(t, q, newJob("bulk", job.PriorityNormal))
	_, err := q.Enqueue(context.Background(), newJob("bulk", job.PriorityNormal))
	if !errors.Is(err, conveyor.ErrJobDropped) {
		t.Fatalf("got %v, want ErrJobDropped", err)
	}
	if len(ev.dropped) != 1 {
		t.Errorf("dropped events = %d", len(ev.dropped))
	}
	if depth, _ := q.Depth(context.Background(), "bulk", nil); depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}

func TestOverflow_DropOldest(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "bulk", MaxDepth: 2, Overflow: queue.DropOldest})
	q, c, ev := newQueue(t, queue.WithManager(m))
	ctx := context.Background()

	oldest := enqueue(t, q, newJob("bulk", job.PriorityNormal))
	c.Advance(time.Second)
	enqueue(t, q, newJob("bulk", job.PriorityNormal))
	c.Advance(time.Second)
	newest := enqueue(t, q, newJob("bulk", job.PriorityNormal))

	got, err := q.Store().GetJob(ctx, oldest)
	if err != nil || got.Status != job.StatusCancelled {
		t.Fatalf("oldest job = (%v, %v), want cancelled", got, err)
	}
	if got, _ := q.Store().GetJob(ctx, newest); got.Status != job.StatusPending {
		t.Errorf("newest status = %s", got.Status)
	}
	if len(ev.dropped) != 1 || ev.dropped[0].ID.String() != oldest.String() {
		t.Errorf("dropped events = %v", ev.dropped)
	}
	if depth, _ := q.Depth(ctx, "bulk", nil); depth != 2 {
		t.Errorf("depth = %d, want 2", depth)
	}
}

// slowCountStore widens the window between reading depth and inserting.
type slowCountStore struct {
	*memory.Store
}

func (s slowCountStore) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	time.Sleep(5 * time.Millisecond)
	return s.Store.CountJobs(ctx, opts)
}

func enqueueConcurrently(t *testing.T, q *queue.Queue, queueName string, producers int) (accepted int, errs []error) {
	t.Helper()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(context.Background(), newJob(queueName, job.PriorityNormal))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			accepted++
		}()
	}
	wg.Wait()
	return accepted, errs
}

func TestOverflow_ConcurrentDropNewestHoldsMaxDepth(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "bulk", MaxDepth: 5, Overflow: queue.DropNewest})
	q := queue.New(slowCountStore{memory.New()}, queue.WithManager(m))

	accepted, errs := enqueueConcurrently(t, q, "bulk", 50)
	if accepted != 5 {
		t.Errorf("accepted = %d, want 5", accepted)
	}
	for _, err := range errs {
		if !errors.Is(err, conveyor.ErrJobDropped) {
			t.Errorf("got %v, want ErrJobDropped", err)
		}
	}
	if depth, _ := q.Depth(context.Background(), "bulk", nil); depth != 5 {
		t.Errorf("depth = %d, want 5", depth)
	}
}

func TestOverflow_ConcurrentDropOldestHoldsMaxDepth(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "bulk", MaxDepth: 5, Overflow: queue.DropOldest})
	q := queue.New(slowCountStore{memory.New()}, queue.WithManager(m))

	accepted, errs := enqueueConcurrently(t, q, "bulk", 50)
	if accepted == 0 {
		t.Error("no producer was admitted")
	}
	for _, err := range errs {
		if !errors.Is(err, conveyor.ErrBackpressure) {
			t.Errorf("got %v, want ErrBackpressure", err)
		}
	}
	if depth, _ := q.Depth(context.Background(), "bulk", nil); depth != 5 {
		t.Errorf("depth = %d, want 5", depth)
	}
}

func TestOverflow_ConcurrentBlockHoldsMaxDepth(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "bulk", MaxDepth: 5})
	q := queue.New(slowCountStore{memory.New()}, queue.WithManager(m))

	accepted, errs := enqueueConcurrently(t, q, "bulk", 50)
	if accepted != 5 || len(errs) != 45 {
		t.Errorf("accepted = %d, rejected = %d; want 5 and 45", accepted, len(errs))
	}
	if depth, _ := q.Depth(context.Background(), "bulk", nil); depth != 5 {
		t.Errorf("depth = %d, want 5", depth)
	}
}

func TestOverflow_BlockWithoutTimeoutFailsFast(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "bulk", MaxDepth: 1})
	q, _, _ := newQueue(t, queue.WithManager(m))

	enqueue(t, q, newJob("bulk", job.PriorityNormal))
	_, err := q.Enqueue(context.Background(), newJob("bulk", job.PriorityNormal))
	if !errors.Is(err, conveyor.ErrBackpressure) {
		t.Fatalf("got %v, want ErrBackpressure", err)
	}
}

func TestOverflow_BlockWaitsForRoom(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "bulk", MaxDepth: 1, BlockTimeout: 2 * time.Second})
	q, _, _ := newQueue(t, queue.WithManager(m))
	ctx := context.Background()

	first := enqueue(t, q, newJob("bulk", job.PriorityNormal))
	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = q.Cancel(ctx, first)
	}()

	if _, err := q.Enqueue(ctx, newJob("bulk", job.PriorityNormal)); err != nil {
		t.Fatalf("blocked enqueue should succeed once room frees up: %v", err)
	}
}

func TestOverflow_BlockTimesOut(t *testing.T) {
	m := queue.NewManager(queue.Config{Name: "bulk", MaxDepth: 1, BlockTimeout: 40 * time.Millisecond})
	q, _, _ := newQueue(t, queue.WithManager(m))

	enqueue(t, q, newJob("bulk", job.PriorityNormal))
	start := time.Now()
	_, err := q.Enqueue(context.Background(), newJob("bulk", job.PriorityNormal))
	if !errors.Is(err, conveyor.ErrBackpressure) {
		t.Fatalf("got %v, want ErrBackpressure", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("returned before the block timeout")
	}
}

func TestDepth_ByPriority(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, newJob("default", job.PriorityHigh))
	enqueue(t, q, newJob("default", job.PriorityLow))
	enqueue(t, q, newJob("default", job.PriorityLow))

	low := job.PriorityLow
	if n, err := q.Depth(ctx, "default", &low); err != nil || n != 2 {
		t.Errorf("Depth(low) = (%d, %v), want 2", n, err)
	}
	if n, _ := q.Depth(ctx, "default", nil); n != 3 {
		t.Errorf("Depth = %d, want 3", n)
	}
}

func TestSweeper_ReclaimsInBackground(t *testing.T) {
	q, c, _ := newQueue(t)
	ctx := context.Background()
	enqueue(t, q, newJob("default", job.PriorityNormal))
	leaseOne(t, q, "default")
	c.Advance(time.Minute)

	s := queue.NewSweeper(q, 5*time.Millisecond, nil)
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Stop(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n, _ := q.Depth(ctx, "default", nil); n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper did not reclaim the expired lease")
}
