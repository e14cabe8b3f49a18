package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rcommerce/conveyor/job"
)

// sampledStatuses are the statuses whose counts describe current load.
// Terminal successes grow without bound and are left out.
var sampledStatuses = []job.Status{
	job.StatusPending,
	job.StatusRetrying,
	job.StatusLeased,
	job.StatusDeadLettered,
}

// JobCounter is the slice of the job store the sampler reads.
type JobCounter interface {
	CountJobs(ctx context.Context, opts job.CountOpts) (int64, error)
}

// Sampler periodically counts jobs per queue, status and priority and
// hands the result to a Collector, then evaluates its alert rules.
type Sampler struct {
	collector *Collector
	store     JobCounter
	queues    []string
	interval  time.Duration
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSampler creates a depth sampler for the given queues.
func NewSampler(c *Collector, store JobCounter, queues []string, interval time.Duration, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := interval
	if timeout <= 0 || timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Sampler{
		collector: c,
		store:     store,
		queues:    append([]string(nil), queues...),
		interval:  interval,
		timeout:   timeout,
		logger:    logger,
	}
}

// StartDepthSampler creates a sampler and starts it.
func (c *Collector) StartDepthSampler(ctx context.Context, store JobCounter, queues []string, interval time.Duration, logger *slog.Logger) (*Sampler, error) {
	s := NewSampler(c, store, queues, interval, logger)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Sample counts every queue once, queues in parallel.
func (s *Sampler) Sample(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	results := make([]map[job.Status]map[job.Priority]int64, len(s.queues))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, queue := range s.queues {
		g.Go(func() error {
			depth, err := s.countQueue(gctx, queue)
			if err != nil {
				return err
			}
			results[i] = depth
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	samples := make(map[string]map[job.Status]map[job.Priority]int64, len(s.queues))
	for i, queue := range s.queues {
		samples[queue] = results[i]
	}
	s.collector.setDepth(samples, s.collector.now())
	return nil
}

func (s *Sampler) countQueue(ctx context.Context, queue string) (map[job.Status]map[job.Priority]int64, error) {
	depth := make(map[job.Status]map[job.Priority]int64, len(sampledStatuses))
	for _, st := range sampledStatuses {
		byPrio := make(map[job.Priority]int64, len(job.Priorities))
		for _, p := range job.Priorities {
			n, err := s.store.CountJobs(ctx, job.CountOpts{Queue: queue, Status: st, Priority: &p})
			if err != nil {
				return nil, err
			}
			byPrio[p] = n
		}
		depth[st] = byPrio
	}
	return depth, nil
}

// Start launches the sampling loop. The first sample is taken right away.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
	return nil
}

// Stop halts the loop and waits for an in-progress sample to finish.
func (s *Sampler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sampler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	if err := s.Sample(ctx); err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("depth sample failed", slog.String("error", err.Error()))
		}
		return
	}
	for _, a := range s.collector.Evaluate() {
		s.logger.Debug("alert firing",
			slog.String("rule", a.Rule.Name),
			slog.Float64("value", a.Value),
		)
	}
}
