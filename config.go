package conveyor

import (
	"errors"
	"time"
)

// Config holds configuration for the Dispatcher.
type Config struct {
	// PoolSize is the number of workers in the pool.
	PoolSize int

	// WorkerConcurrency is the number of jobs a single worker may run at
	// once. The pool admits at most PoolSize*WorkerConcurrency jobs.
	WorkerConcurrency int

	// Queues is the list of queues the workers lease from.
	Queues []string

	// PollInterval is how long an idle worker sleeps when nothing is
	// eligible.
	PollInterval time.Duration

	// MaxPollBackoff caps the sleep after consecutive backend errors.
	MaxPollBackoff time.Duration

	// LeaseDuration is how long a lease is held before it may be reclaimed.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often in-flight leases are extended.
	HeartbeatInterval time.Duration

	// ReclaimInterval is how often expired leases are swept.
	ReclaimInterval time.Duration

	// ShutdownGrace is how long Stop waits for in-flight jobs before
	// cancelling them.
	ShutdownGrace time.Duration

	// SchedulerInterval is how often the scheduler checks for due schedules.
	SchedulerInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:          2,
		WorkerConcurrency: 5,
		Queues:            []string{"default"},
		PollInterval:      1 * time.Second,
		MaxPollBackoff:    30 * time.Second,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		ReclaimInterval:   15 * time.Second,
		ShutdownGrace:     30 * time.Second,
		SchedulerInterval: 1 * time.Second,
	}
}

// Validate reports configuration that would stall or corrupt processing.
func (c Config) Validate() error {
	switch {
	case c.PoolSize <= 0:
		return errors.New("conveyor: pool size must be positive")
	case c.WorkerConcurrency <= 0:
		return errors.New("conveyor: worker concurrency must be positive")
	case len(c.Queues) == 0:
		return errors.New("conveyor: at least one queue is required")
	case c.LeaseDuration <= 0:
		return errors.New("conveyor: lease duration must be positive")
	case c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseDuration:
		return errors.New("conveyor: heartbeat interval must be positive and shorter than the lease duration")
	case c.PollInterval <= 0:
		return errors.New("conveyor: poll interval must be positive")
	case c.ReclaimInterval <= 0:
		return errors.New("conveyor: reclaim interval must be positive")
	case c.SchedulerInterval <= 0:
		return errors.New("conveyor: scheduler interval must be positive")
	}
	return nil
}
