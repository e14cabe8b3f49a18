package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rcommerce/conveyor/ext"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// DefaultWindow is the span of the rolling rate and failure window.
const DefaultWindow = 5 * time.Minute

// Compile-time hook checks.
var (
	_ ext.Extension       = (*Collector)(nil)
	_ ext.JobEnqueued     = (*Collector)(nil)
	_ ext.JobDropped      = (*Collector)(nil)
	_ ext.JobLeased       = (*Collector)(nil)
	_ ext.JobCancelled    = (*Collector)(nil)
	_ ext.LeaseReclaimed  = (*Collector)(nil)
	_ ext.JobExecuted     = (*Collector)(nil)
	_ ext.JobSucceeded    = (*Collector)(nil)
	_ ext.JobRetrying     = (*Collector)(nil)
	_ ext.JobDeadLettered = (*Collector)(nil)
	_ ext.JobFailed       = (*Collector)(nil)
	_ ext.ScheduleFired   = (*Collector)(nil)
)

// Option configures a Collector.
type Option func(*Collector)

// WithWindow sets the rolling window span. It is rounded down to whole
// seconds.
func WithWindow(d time.Duration) Option {
	return func(c *Collector) { c.window = d }
}

// WithBuckets overrides the latency bucket bounds, in seconds, ascending.
func WithBuckets(bounds []float64) Option {
	return func(c *Collector) { c.buckets = append([]float64(nil), bounds...) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// OnAlert registers a callback invoked by Evaluate when a rule starts or
// stops firing.
func OnAlert(fn func(Alert)) Option {
	return func(c *Collector) { c.onAlert = fn }
}

// WithRules adds alert rules.
func WithRules(rules ...Rule) Option {
	return func(c *Collector) { c.rules = append(c.rules, rules...) }
}

// Counts are monotonically increasing event totals.
type Counts struct {
	Enqueued     int64 `json:"enqueued"`
	Dropped      int64 `json:"dropped"`
	Leased       int64 `json:"leased"`
	Cancelled    int64 `json:"cancelled"`
	Reclaimed    int64 `json:"reclaimed"`
	Executed     int64 `json:"executed"`
	Succeeded    int64 `json:"succeeded"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Discarded    int64 `json:"discarded"`
}

type series struct {
	counts  Counts
	window  *window
	latency *histogram
	// depth[status][priority], replaced wholesale by each sample.
	depth map[job.Status]map[job.Priority]int64
}

// Collector aggregates engine events. All methods are safe for concurrent
// use.
type Collector struct {
	mu      sync.Mutex
	now     func() time.Time
	window  time.Duration
	buckets []float64

	global    *series
	queues    map[string]*series
	fired     int64
	sampledAt time.Time

	rules   []Rule
	firing  map[string]Alert
	onAlert func(Alert)
}

// NewCollector returns an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		now:     time.Now,
		window:  DefaultWindow,
		buckets: DefaultBuckets,
		queues:  make(map[string]*series),
		firing:  make(map[string]Alert),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.global = c.newSeries()
	return c
}

func (c *Collector) newSeries() *series {
	return &series{window: newWindow(c.window), latency: newHistogram(c.buckets)}
}

// Name implements ext.Extension.
func (c *Collector) Name() string { return "metrics" }

// record applies fn to the global series and the job's queue series.
func (c *Collector) record(queue string, fn func(*series, *tally)) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[queue]
	if !ok {
		q = c.newSeries()
		c.queues[queue] = q
	}
	fn(c.global, c.global.window.at(now))
	fn(q, q.window.at(now))
}

// ──────────────────────────────────────────────────
// Hooks
// ──────────────────────────────────────────────────

func (c *Collector) OnJobEnqueued(_ context.Context, j *job.Job) error {
	c.record(j.Queue, func(s *series, t *tally) { s.counts.Enqueued++; t.enqueued++ })
	return nil
}

func (c *Collector) OnJobDropped(_ context.Context, j *job.Job) error {
	c.record(j.Queue, func(s *series, _ *tally) { s.counts.Dropped++ })
	return nil
}

func (c *Collector) OnJobLeased(_ context.Context, j *job.Job) error {
	c.record(j.Queue, func(s *series, t *tally) { s.counts.Leased++; t.leased++ })
	return nil
}

func (c *Collector) OnJobCancelled(_ context.Context, j *job.Job) error {
	c.record(j.Queue, func(s *series, _ *tally) { s.counts.Cancelled++ })
	return nil
}

func (c *Collector) OnLeaseReclaimed(_ context.Context, j *job.Job) error {
	c.record(j.Queue, func(s *series, _ *tally) { s.counts.Reclaimed++ })
	return nil
}

// OnJobExecuted feeds the latency histogram and the failure window. Every
// attempt counts, whether or not its outcome was later recorded.
func (c *Collector) OnJobExecuted(_ context.Context, j *job.Job, elapsed time.Duration, jobErr error) error {
	c.record(j.Queue, func(s *series, t *tally) {
		s.counts.Executed++
		s.latency.observe(elapsed.Seconds())
		if jobErr != nil {
			t.failed++
		} else {
			t.succeeded++
		}
	})
	return nil
}

func (c *Collector) OnJobSucceeded(_ context.Context, j *job.Job, _ time.Duration) error {
	c.record(j.Queue, func(s *series, _ *tally) { s.counts.Succeeded++ })
	return nil
}

func (c *Collector) OnJobRetrying(_ context.Context, j *job.Job, _ error, _ time.Time) error {
	c.record(j.Queue, func(s *series, _ *tally) { s.counts.Retried++ })
	return nil
}

func (c *Collector) OnJobDeadLettered(_ context.Context, j *job.Job, _ error) error {
	c.record(j.Queue, func(s *series, _ *tally) { s.counts.DeadLettered++ })
	return nil
}

func (c *Collector) OnJobFailed(_ context.Context, j *job.Job, _ error) error {
	c.record(j.Queue, func(s *series, _ *tally) { s.counts.Discarded++ })
	return nil
}

func (c *Collector) OnScheduleFired(context.Context, string, id.JobID) error {
	c.mu.Lock()
	c.fired++
	c.mu.Unlock()
	return nil
}

// ──────────────────────────────────────────────────
// Snapshot
// ──────────────────────────────────────────────────

// Latency summarizes the execution time distribution.
type Latency struct {
	Count int64         `json:"count"`
	Sum   time.Duration `json:"sum"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`

	buckets map[float64]uint64
}

// QueueSnapshot is a point-in-time view of one queue, or of all queues.
type QueueSnapshot struct {
	Counts Counts `json:"counts"`

	// EnqueueRate and LeaseRate are events per second over the window.
	EnqueueRate float64 `json:"enqueue_rate"`
	LeaseRate   float64 `json:"lease_rate"`
	// FailureRate is failed attempts over finished attempts in the window.
	FailureRate float64 `json:"failure_rate"`
	// Samples is the number of finished attempts in the window.
	Samples int64 `json:"samples"`

	Latency Latency `json:"latency"`

	// Depth is the last sampled job count by status then priority.
	Depth map[job.Status]map[job.Priority]int64 `json:"depth,omitempty"`
	// DeadLetters is the sampled dead-letter count, or the dead-lettered
	// event count when no sample was taken yet.
	DeadLetters int64 `json:"dead_letters"`
}

// Waiting returns the sampled pending plus retrying depth.
func (q QueueSnapshot) Waiting() int64 {
	var n int64
	for _, st := range []job.Status{job.StatusPending, job.StatusRetrying} {
		for _, v := range q.Depth[st] {
			n += v
		}
	}
	return n
}

// Snapshot is an immutable view of the collector.
type Snapshot struct {
	TakenAt        time.Time                `json:"taken_at"`
	Window         time.Duration            `json:"window"`
	SampledAt      time.Time                `json:"sampled_at,omitempty"`
	Global         QueueSnapshot            `json:"global"`
	Queues         map[string]QueueSnapshot `json:"queues"`
	SchedulesFired int64                    `json:"schedules_fired"`
	Alerts         []Alert                  `json:"alerts,omitempty"`
}

// Queue returns the snapshot of name, or the zero value when the queue was
// never seen.
func (s Snapshot) Queue(name string) QueueSnapshot { return s.Queues[name] }

// Snapshot copies the current state.
func (c *Collector) Snapshot() Snapshot {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(now)
}

func (c *Collector) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{
		TakenAt:        now,
		Window:         c.global.window.span(),
		SampledAt:      c.sampledAt,
		Global:         c.global.view(now, !c.sampledAt.IsZero()),
		Queues:         make(map[string]QueueSnapshot, len(c.queues)),
		SchedulesFired: c.fired,
	}
	for name, q := range c.queues {
		snap.Queues[name] = q.view(now, !c.sampledAt.IsZero())
	}
	for _, a := range c.firing {
		snap.Alerts = append(snap.Alerts, a)
	}
	sort.Slice(snap.Alerts, func(i, k int) bool { return snap.Alerts[i].Rule.Name < snap.Alerts[k].Rule.Name })
	return snap
}

func (s *series) view(now time.Time, sampled bool) QueueSnapshot {
	sum := s.window.sum(now)
	span := s.window.span().Seconds()
	v := QueueSnapshot{
		Counts:      s.counts,
		EnqueueRate: float64(sum.enqueued) / span,
		LeaseRate:   float64(sum.leased) / span,
		Samples:     sum.succeeded + sum.failed,
		Latency: Latency{
			Count:   int64(s.latency.count),
			Sum:     seconds(s.latency.sum),
			P50:     seconds(s.latency.quantile(0.50)),
			P95:     seconds(s.latency.quantile(0.95)),
			P99:     seconds(s.latency.quantile(0.99)),
			buckets: s.latency.cumulative(),
		},
		DeadLetters: s.counts.DeadLettered,
	}
	if v.Samples > 0 {
		v.FailureRate = float64(sum.failed) / float64(v.Samples)
	}
	if s.depth != nil {
		v.Depth = make(map[job.Status]map[job.Priority]int64, len(s.depth))
		for st, byPrio := range s.depth {
			m := make(map[job.Priority]int64, len(byPrio))
			for p, n := range byPrio {
				m[p] = n
			}
			v.Depth[st] = m
		}
	}
	if sampled && s.depth != nil {
		v.DeadLetters = 0
		for _, n := range s.depth[job.StatusDeadLettered] {
			v.DeadLetters += n
		}
	}
	return v
}

// setDepth replaces the sampled depth of every queue in samples and
// recomputes the global depth as their sum.
func (c *Collector) setDepth(samples map[string]map[job.Status]map[job.Priority]int64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, depth := range samples {
		q, ok := c.queues[name]
		if !ok {
			q = c.newSeries()
			c.queues[name] = q
		}
		q.depth = depth
	}

	global := make(map[job.Status]map[job.Priority]int64)
	for _, q := range c.queues {
		for st, byPrio := range q.depth {
			if global[st] == nil {
				global[st] = make(map[job.Priority]int64)
			}
			for p, n := range byPrio {
				global[st][p] += n
			}
		}
	}
	c.global.depth = global
	c.sampledAt = at
}
