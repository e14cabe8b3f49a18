package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// queueState tracks runtime state for a single queue.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Manager holds per-queue configuration and enforces rate limits and
// concurrency caps at lease time. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager with the given queue configurations.
// Queues not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{queues: make(map[string]*queueState, len(configs))}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

// Permit is a lease slot granted by Acquire. Exactly one of Release or
// Refund should be called; further calls are no-ops.
type Permit struct {
	m     *Manager
	queue string
	res   *rate.Reservation
	at    time.Time
	once  sync.Once
}

// Release frees the concurrency slot once the leased job is finished.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() { p.m.release(p.queue) })
}

// Refund frees the slot and returns the rate token, for lease attempts
// that found nothing.
func (p *Permit) Refund() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		if p.res != nil {
			// Cancel at the reservation instant; an immediate reservation
			// cancelled later is never restored.
			p.res.CancelAt(p.at)
		}
		p.m.release(p.queue)
	})
}

// Acquire checks the rate limit and concurrency cap for queue. When the
// lease may proceed it returns a permit; a nil permit with true means the
// queue is unconfigured.
func (m *Manager) Acquire(queue string) (*Permit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[queue]
	if qs == nil {
		return nil, true
	}
	if qs.config.MaxConcurrency > 0 && qs.active >= qs.config.MaxConcurrency {
		return nil, false
	}

	var res *rate.Reservation
	now := time.Now()
	if qs.limiter != nil {
		res = qs.limiter.ReserveN(now, 1)
		if !res.OK() || res.Delay() > 0 {
			res.Cancel()
			return nil, false
		}
	}

	qs.active++
	return &Permit{m: m, queue: queue, res: res, at: now}, true
}

func (m *Manager) release(queue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// SetQueueConfig updates (or creates) a queue configuration, keeping the
// current active count.
func (m *Manager) SetQueueConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := newQueueState(cfg)
	if existing := m.queues[cfg.Name]; existing != nil {
		qs.active = existing.active
	}
	m.queues[cfg.Name] = qs
}

// Config returns the configuration of queue, or a default unbounded Block
// configuration when the queue is not configured.
func (m *Manager) Config(queue string) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.config
	}
	return Config{Name: queue}
}

// ActiveCount returns the number of leased jobs counted against queue.
func (m *Manager) ActiveCount(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[queue]; qs != nil {
		return qs.active
	}
	return 0
}
