package worker

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/queue"
)

// Pool owns PoolSize workers, each running up to WorkerConcurrency jobs,
// so at most PoolSize*WorkerConcurrency handlers execute at once.
type Pool struct {
	workers []*Worker
	logger  *slog.Logger
}

// NewPool creates cfg.PoolSize workers sharing q and executor.
func NewPool(q *queue.Queue, executor *Executor, cfg conveyor.Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	p := &Pool{logger: logger, workers: make([]*Worker, size)}
	for i := range p.workers {
		p.workers[i] = NewWorker(q, executor, cfg, logger)
	}
	return p
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker { return p.workers }

// Capacity is the maximum number of concurrently executing jobs.
func (p *Pool) Capacity() int {
	n := 0
	for _, w := range p.workers {
		n += w.cfg.WorkerConcurrency
	}
	return n
}

// Start starts every worker.
func (p *Pool) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error { return w.Start(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Info("worker pool started",
		slog.Int("workers", len(p.workers)),
		slog.Int("capacity", p.Capacity()),
	)
	return nil
}

// Pause pauses every worker.
func (p *Pool) Pause() {
	for _, w := range p.workers {
		w.Pause()
	}
}

// Resume resumes every worker.
func (p *Pool) Resume() {
	for _, w := range p.workers {
		w.Resume()
	}
}

// Stop stops every worker in parallel. See Worker.Stop.
func (p *Pool) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, w := range p.workers {
		g.Go(func() error { return w.Stop(ctx) })
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// Stats returns a snapshot per worker.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Stats()
	}
	return out
}

// State summarizes the workers' states: a transitional state wins while
// any worker is in it, otherwise the state all workers share.
func (p *Pool) State() State {
	counts := make(map[State]int, 6)
	for _, w := range p.workers {
		counts[w.State()]++
	}
	for _, s := range []State{StateStopping, StatePausing, StateStarting} {
		if counts[s] > 0 {
			return s
		}
	}
	switch len(p.workers) {
	case counts[StateStopped]:
		return StateStopped
	case counts[StatePaused]:
		return StatePaused
	}
	if counts[StateRunning] > 0 {
		return StateRunning
	}
	return StateStopped
}
