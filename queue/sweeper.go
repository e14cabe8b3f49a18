package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically reclaims expired leases. It runs independently of
// the workers so a crashed worker's jobs come back even when no worker in
// this process is polling the affected queue.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(q *Queue, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{queue: q, interval: interval, logger: logger}
}

// Start launches the sweep loop. It returns immediately.
func (s *Sweeper) Start(ctx context.Context) error {
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

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
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

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.queue.ReclaimExpiredLeases(ctx)
			if err != nil {
				s.logger.Error("lease sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Info("reclaimed expired leases", slog.Int("count", n))
			}
		}
	}
}
