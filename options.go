package conveyor

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher) error

// Storer is the minimal store interface held by the Dispatcher.
// It covers lifecycle operations only. Subsystem layers use the composite
// store.Store, which embeds every subsystem store.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Runner is a component with a start/stop lifecycle: the worker pool, the
// lease sweeper and the scheduler.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Dispatcher is the central coordinator for job processing and scheduling.
//
// Create one with New() and functional options, then hand it to
// engine.Build, which constructs the subsystems and attaches them here as
// runners.
type Dispatcher struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	runners    []Runner

	started []Runner
}

// New creates a new Dispatcher with the given options.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if err := d.config.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Logger returns the dispatcher's logger.
func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

// Store returns the dispatcher's store.
func (d *Dispatcher) Store() Storer { return d.store }

// Config returns a copy of the dispatcher's configuration.
func (d *Dispatcher) Config() Config { return d.config }

// AddRunner attaches a component started by Start and stopped, in reverse
// order, by Stop.
func (d *Dispatcher) AddRunner(r Runner) { d.runners = append(d.runners, r) }

// SetExtensions sets the extension emitter (called by the engine package).
func (d *Dispatcher) SetExtensions(e extensionEmitter) { d.extensions = e }

// Start starts every attached runner. If one fails, the runners already
// started are stopped again.
func (d *Dispatcher) Start(ctx context.Context) error {
	if len(d.runners) == 0 {
		return ErrNotBuilt
	}
	for _, r := range d.runners {
		if err := r.Start(ctx); err != nil {
			_ = d.stopStarted(ctx)
			return err
		}
		d.started = append(d.started, r)
	}
	return nil
}

// Stop gracefully shuts down the runners and closes the store.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if err := d.stopStarted(ctx); err != nil {
		d.logger.Error("runner stop error", slog.String("error", err.Error()))
	}
	if d.extensions != nil {
		d.extensions.EmitShutdown(ctx)
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

func (d *Dispatcher) stopStarted(ctx context.Context) error {
	var first error
	for i := len(d.started) - 1; i >= 0; i-- {
		if err := d.started[i].Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	d.started = nil
	return first
}

// WithConfig replaces the whole configuration.
func WithConfig(c Config) Option {
	return func(d *Dispatcher) error {
		d.config = c
		return nil
	}
}

// WithPoolSize sets the number of workers.
func WithPoolSize(n int) Option {
	return func(d *Dispatcher) error {
		d.config.PoolSize = n
		return nil
	}
}

// WithWorkerConcurrency sets the number of concurrent jobs per worker.
func WithWorkerConcurrency(n int) Option {
	return func(d *Dispatcher) error {
		d.config.WorkerConcurrency = n
		return nil
	}
}

// WithQueues sets the queues the workers lease from.
func WithQueues(queues ...string) Option {
	return func(d *Dispatcher) error {
		d.config.Queues = queues
		return nil
	}
}

// WithLeaseDuration sets the lease duration and keeps the heartbeat at a
// third of it unless a heartbeat interval is configured later.
func WithLeaseDuration(lease time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.LeaseDuration = lease
		d.config.HeartbeatInterval = lease / 3
		return nil
	}
}

// WithHeartbeatInterval sets how often in-flight leases are extended.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.HeartbeatInterval = interval
		return nil
	}
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.PollInterval = interval
		return nil
	}
}

// WithShutdownGrace sets how long Stop waits for in-flight jobs.
func WithShutdownGrace(grace time.Duration) Option {
	return func(d *Dispatcher) error {
		d.config.ShutdownGrace = grace
		return nil
	}
}

// WithLogger sets the structured logger for the dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) error {
		d.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the dispatcher.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(d *Dispatcher) error {
		d.store = s
		return nil
	}
}
