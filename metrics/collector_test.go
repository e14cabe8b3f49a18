package metrics_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcommerce/conveyor/ext"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/metrics"
	"github.com/rcommerce/conveyor/store/memory"
	"github.com/rcommerce/conveyor/store/storetest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

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

func testJob(queue string) *job.Job {
	return &job.Job{ID: id.NewJobID(), Type: "send_receipt", Queue: queue, Priority: job.PriorityNormal}
}

var ctx = context.Background()

func TestCollector_CountsPerQueueAndGlobal(t *testing.T) {
	c := metrics.NewCollector()
	r := ext.NewRegistry(slog.Default())
	r.Register(c)

	emails, reports := testJob("emails"), testJob("reports")
	for range 3 {
		r.EmitJobEnqueued(ctx, emails)
	}
	r.EmitJobEnqueued(ctx, reports)
	r.EmitJobLeased(ctx, emails)
	r.EmitJobSucceeded(ctx, emails, time.Second)
	r.EmitJobRetrying(ctx, reports, errors.New("smtp down"), time.Now())
	r.EmitJobDeadLettered(ctx, reports, errors.New("smtp down"))
	r.EmitJobFailed(ctx, emails, errors.New("bad address"))
	r.EmitJobCancelled(ctx, emails)
	r.EmitJobDropped(ctx, emails)
	r.EmitLeaseReclaimed(ctx, reports)
	r.EmitScheduleFired(ctx, "nightly-report", reports.ID)

	snap := c.Snapshot()
	assert.Equal(t, int64(4), snap.Global.Counts.Enqueued)
	assert.Equal(t, int64(3), snap.Queue("emails").Counts.Enqueued)
	assert.Equal(t, int64(1), snap.Queue("reports").Counts.Enqueued)
	assert.Equal(t, metrics.Counts{
		Enqueued: 3, Leased: 1, Succeeded: 1, Discarded: 1, Cancelled: 1, Dropped: 1,
	}, snap.Queue("emails").Counts)
	assert.Equal(t, int64(1), snap.Queue("reports").Counts.Retried)
	assert.Equal(t, int64(1), snap.Queue("reports").Counts.Reclaimed)
	assert.Equal(t, int64(1), snap.Global.DeadLetters)
	assert.Equal(t, int64(1), snap.SchedulesFired)
	assert.Zero(t, snap.Queue("unknown").Counts.Enqueued)
}

func TestCollector_RatesOverWindow(t *testing.T) {
	clk := newClock()
	c := metrics.NewCollector(metrics.WithWindow(10*time.Second), metrics.WithClock(clk.Now))
	j := testJob("emails")

	for range 20 {
		require.NoError(t, c.OnJobEnqueued(ctx, j))
	}
	for range 5 {
		require.NoError(t, c.OnJobLeased(ctx, j))
	}

	snap := c.Snapshot()
	assert.InDelta(t, 2.0, snap.Queue("emails").EnqueueRate, 1e-9)
	assert.InDelta(t, 0.5, snap.Queue("emails").LeaseRate, 1e-9)
	assert.Equal(t, 10*time.Second, snap.Window)

	clk.Advance(11 * time.Second)
	snap = c.Snapshot()
	assert.Zero(t, snap.Queue("emails").EnqueueRate)
	assert.Equal(t, int64(20), snap.Queue("emails").Counts.Enqueued, "totals never roll off")
}

func TestCollector_FailureRateRollsOff(t *testing.T) {
	clk := newClock()
	c := metrics.NewCollector(metrics.WithWindow(time.Minute), metrics.WithClock(clk.Now))
	j := testJob("webhooks")

	for range 3 {
		require.NoError(t, c.OnJobExecuted(ctx, j, 10*time.Millisecond, nil))
	}
	clk.Advance(30 * time.Second)
	require.NoError(t, c.OnJobExecuted(ctx, j, 10*time.Millisecond, errors.New("502")))

	q := c.Snapshot().Queue("webhooks")
	assert.Equal(t, int64(4), q.Samples)
	assert.InDelta(t, 0.25, q.FailureRate, 1e-9)

	// The three successes leave the window first.
	clk.Advance(31 * time.Second)
	q = c.Snapshot().Queue("webhooks")
	assert.Equal(t, int64(1), q.Samples)
	assert.InDelta(t, 1.0, q.FailureRate, 1e-9)

	clk.Advance(time.Minute)
	q = c.Snapshot().Queue("webhooks")
	assert.Zero(t, q.Samples)
	assert.Zero(t, q.FailureRate)
}

func TestCollector_LatencyPercentiles(t *testing.T) {
	c := metrics.NewCollector(metrics.WithBuckets([]float64{0.1, 0.2, 0.5, 1}))
	j := testJob("reports")

	for range 50 {
		require.NoError(t, c.OnJobExecuted(ctx, j, 50*time.Millisecond, nil))
	}
	for range 45 {
		require.NoError(t, c.OnJobExecuted(ctx, j, 150*time.Millisecond, nil))
	}
	for range 5 {
		require.NoError(t, c.OnJobExecuted(ctx, j, 400*time.Millisecond, nil))
	}

	l := c.Snapshot().Queue("reports").Latency
	assert.Equal(t, int64(100), l.Count)
	assert.InDelta(t, 0.1, l.P50.Seconds(), 1e-6)
	assert.InDelta(t, 0.2, l.P95.Seconds(), 1e-6)
	assert.InDelta(t, 0.44, l.P99.Seconds(), 1e-6)
	assert.InDelta(t, 50*0.05+45*0.15+5*0.4, l.Sum.Seconds(), 1e-6)
}

func TestCollector_LatencyAboveLastBucket(t *testing.T) {
	c := metrics.NewCollector(metrics.WithBuckets([]float64{1, 2}))
	j := testJob("imports")
	require.NoError(t, c.OnJobExecuted(ctx, j, time.Hour, nil))

	l := c.Snapshot().Queue("imports").Latency
	assert.Equal(t, 2*time.Second, l.P99)
}

func TestSampler_DepthByStatusAndPriority(t *testing.T) {
	st := memory.New()
	now := time.Now().UTC()

	add := func(queue string, p job.Priority, status job.Status, n int) {
		for range n {
			j := storetest.NewJob(queue, p, now)
			j.Status = status
			require.NoError(t, st.EnqueueJob(ctx, j))
		}
	}
	add("emails", job.PriorityHigh, job.StatusPending, 3)
	add("emails", job.PriorityLow, job.StatusPending, 2)
	add("emails", job.PriorityNormal, job.StatusRetrying, 1)
	add("emails", job.PriorityNormal, job.StatusDeadLettered, 4)
	add("emails", job.PriorityNormal, job.StatusSucceeded, 7)
	add("reports", job.PriorityHigh, job.StatusLeased, 1)

	c := metrics.NewCollector()
	s := metrics.NewSampler(c, st, []string{"emails", "reports"}, time.Minute, slog.Default())
	require.NoError(t, s.Sample(ctx))

	snap := c.Snapshot()
	emails := snap.Queue("emails")
	assert.Equal(t, int64(3), emails.Depth[job.StatusPending][job.PriorityHigh])
	assert.Equal(t, int64(2), emails.Depth[job.StatusPending][job.PriorityLow])
	assert.Equal(t, int64(1), emails.Depth[job.StatusRetrying][job.PriorityNormal])
	assert.Equal(t, int64(6), emails.Waiting())
	assert.Equal(t, int64(4), emails.DeadLetters)
	_, hasSucceeded := emails.Depth[job.StatusSucceeded]
	assert.False(t, hasSucceeded)

	assert.Equal(t, int64(1), snap.Queue("reports").Depth[job.StatusLeased][job.PriorityHigh])
	assert.Equal(t, int64(6), snap.Global.Waiting())
	assert.Equal(t, int64(4), snap.Global.DeadLetters)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestSampler_StartStop(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.EnqueueJob(ctx, storetest.NewJob("emails", job.PriorityNormal, time.Now())))

	c := metrics.NewCollector()
	s, err := c.StartDepthSampler(ctx, st, []string{"emails"}, 10*time.Millisecond, slog.Default())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Snapshot().Queue("emails").Waiting() == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx), "second stop is a no-op")
}

func TestAlerts_DepthAboveFiresAndResolves(t *testing.T) {
	st := memory.New()
	var (
		mu          sync.Mutex
		transitions []metrics.Alert
	)
	c := metrics.NewCollector(metrics.OnAlert(func(a metrics.Alert) {
		mu.Lock()
		transitions = append(transitions, a)
		mu.Unlock()
	}))
	require.NoError(t, c.AddRule(metrics.Rule{Name: "emails-backlog", Kind: metrics.DepthAbove, Queue: "emails", Threshold: 2}))
	s := metrics.NewSampler(c, st, []string{"emails"}, time.Minute, nil)

	assert.Empty(t, c.Evaluate(), "no sample yet means no judgement")

	var jobs []*job.Job
	for range 3 {
		j := storetest.NewJob("emails", job.PriorityNormal, time.Now())
		jobs = append(jobs, j)
		require.NoError(t, st.EnqueueJob(ctx, j))
	}
	require.NoError(t, s.Sample(ctx))
	firing := c.Evaluate()
	require.Len(t, firing, 1)
	assert.Equal(t, "emails-backlog", firing[0].Rule.Name)
	assert.InDelta(t, 3.0, firing[0].Value, 1e-9)

	// Still firing: no new transition.
	require.Len(t, c.Evaluate(), 1)

	_, err := st.CancelJob(ctx, jobs[0].ID, "test", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Sample(ctx))
	assert.Empty(t, c.Evaluate())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.True(t, transitions[0].Firing)
	assert.False(t, transitions[1].Firing)
	assert.Empty(t, c.Snapshot().Alerts)
}

func TestAlerts_FailureRateNeedsMinSamples(t *testing.T) {
	c := metrics.NewCollector()
	require.NoError(t, c.AddRule(metrics.Rule{
		Name: "webhooks-failing", Kind: metrics.FailureRateAbove, Queue: "webhooks", Threshold: 0.5, MinSamples: 4,
	}))
	j := testJob("webhooks")

	for range 3 {
		require.NoError(t, c.OnJobExecuted(ctx, j, time.Millisecond, errors.New("timeout")))
	}
	assert.Empty(t, c.Evaluate(), "three samples are below the minimum")

	require.NoError(t, c.OnJobExecuted(ctx, j, time.Millisecond, nil))
	firing := c.Evaluate()
	require.Len(t, firing, 1)
	assert.InDelta(t, 0.75, firing[0].Value, 1e-9)
	assert.Len(t, c.Snapshot().Alerts, 1)
}

func TestAlerts_DeadLetterAboveUsesEventsBeforeFirstSample(t *testing.T) {
	c := metrics.NewCollector(metrics.WithRules(metrics.Rule{Name: "dlq", Kind: metrics.DeadLetterAbove, Threshold: 1}))
	j := testJob("emails")

	require.NoError(t, c.OnJobDeadLettered(ctx, j, errors.New("x")))
	assert.Empty(t, c.Evaluate())
	require.NoError(t, c.OnJobDeadLettered(ctx, j, errors.New("x")))
	assert.Len(t, c.Evaluate(), 1)
}

func TestAddRule_ReplacesByName(t *testing.T) {
	c := metrics.NewCollector()
	require.NoError(t, c.AddRule(metrics.Rule{Name: "a", Kind: metrics.DepthAbove, Threshold: 1}))
	require.NoError(t, c.AddRule(metrics.Rule{Name: "a", Kind: metrics.DepthAbove, Threshold: 5}))
	rules := c.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, 5.0, rules[0].Threshold)
}

func TestRule_Validate(t *testing.T) {
	tests := []struct {
		name string
		rule metrics.Rule
		ok   bool
	}{
		{"depth", metrics.Rule{Name: "d", Kind: metrics.DepthAbove, Threshold: 100}, true},
		{"failure rate", metrics.Rule{Name: "f", Kind: metrics.FailureRateAbove, Threshold: 0.1}, true},
		{"missing name", metrics.Rule{Kind: metrics.DepthAbove}, false},
		{"negative threshold", metrics.Rule{Name: "n", Kind: metrics.DepthAbove, Threshold: -1}, false},
		{"rate above one", metrics.Rule{Name: "r", Kind: metrics.FailureRateAbove, Threshold: 1.5}, false},
		{"unknown kind", metrics.Rule{Name: "u", Kind: "latency_above"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestCollector_PrometheusExport(t *testing.T) {
	c := metrics.NewCollector()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	j := testJob("emails")
	require.NoError(t, c.OnJobEnqueued(ctx, j))
	require.NoError(t, c.OnJobExecuted(ctx, j, 20*time.Millisecond, nil))
	require.NoError(t, c.OnScheduleFired(ctx, "nightly-report", j.ID))
	require.NoError(t, c.OnScheduleFired(ctx, "nightly-report", j.ID))

	expected := `
# HELP conveyor_schedules_fired_total Schedule firings that enqueued a job.
# TYPE conveyor_schedules_fired_total counter
conveyor_schedules_fired_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "conveyor_schedules_fired_total"))

	n, err := testutil.GatherAndCount(reg, "conveyor_job_events_total")
	require.NoError(t, err)
	assert.Equal(t, 10, n, "one series per event for the single queue")

	n, err = testutil.GatherAndCount(reg, "conveyor_job_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
