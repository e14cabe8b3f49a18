package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/dlq"
	"github.com/rcommerce/conveyor/ext"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/metrics"
	mw "github.com/rcommerce/conveyor/middleware"
	"github.com/rcommerce/conveyor/queue"
	"github.com/rcommerce/conveyor/retry"
	"github.com/rcommerce/conveyor/worker"
)

// instrumentationName is the OTel scope used with custom providers.
const instrumentationName = "github.com/rcommerce/conveyor"

// DefaultSampleInterval is how often queue depth is read from the store.
const DefaultSampleInterval = 10 * time.Second

// Engine wraps a Dispatcher with typed subsystem access.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	d          *conveyor.Dispatcher
	extensions *ext.Registry
	registry   *job.Registry
	jobStore   job.Store
	logger     *slog.Logger

	queue     *queue.Queue
	sweeper   *queue.Sweeper
	pool      *worker.Pool
	scheduler *cron.Scheduler
	dlq       *dlq.Service
	collector *metrics.Collector
	sampler   *metrics.Sampler

	policy         retry.Policy
	mws            []mw.Middleware
	queueConfigs   []queue.Config
	tiers          queue.TierSelector
	metricOpts     []metrics.Option
	sampleInterval time.Duration
	schedules      []*cron.Schedule

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain. It runs inside
// the built-in recover, tracing, metrics, logging and timeout layers.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithRetryPolicy sets the retry policy. If not set, retry.Default()
// (exponential with jitter) is used.
func WithRetryPolicy(p retry.Policy) Option {
	return func(eng *Engine) {
		eng.policy = p
	}
}

// WithQueueConfig registers per-queue admission and throughput limits.
// Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) {
		eng.queueConfigs = append(eng.queueConfigs, configs...)
	}
}

// WithTierSelector sets the order priority tiers are tried in. The
// default is strict priority.
func WithTierSelector(s queue.TierSelector) Option {
	return func(eng *Engine) {
		eng.tiers = s
	}
}

// WithMetricsOptions configures the engine's metrics collector.
func WithMetricsOptions(opts ...metrics.Option) Option {
	return func(eng *Engine) {
		eng.metricOpts = append(eng.metricOpts, opts...)
	}
}

// WithDepthSampleInterval sets how often queue depth is sampled. Build
// rejects a non-positive interval.
func WithDepthSampleInterval(d time.Duration) Option {
	return func(eng *Engine) {
		eng.sampleInterval = d
	}
}

// WithSchedules registers schedules ensured on Start. Existing schedules
// with the same name are left untouched.
func WithSchedules(schedules ...*cron.Schedule) Option {
	return func(eng *Engine) {
		eng.schedules = append(eng.schedules, schedules...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Dispatcher.
// The Dispatcher's store must implement job.Store and cron.Store.
func Build(d *conveyor.Dispatcher, opts ...Option) (*Engine, error) {
	logger := d.Logger()
	store := d.Store()

	if store == nil {
		return nil, conveyor.ErrNoStore
	}

	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("conveyor: store does not implement job.Store")
	}

	cs, ok := store.(cron.Store)
	if !ok {
		return nil, fmt.Errorf("conveyor: store does not implement cron.Store")
	}

	eng := &Engine{
		d:              d,
		extensions:     ext.NewRegistry(logger),
		registry:       job.NewRegistry(),
		jobStore:       js,
		logger:         logger,
		tiers:          queue.StrictPriority{},
		sampleInterval: DefaultSampleInterval,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.policy == nil {
		eng.policy = retry.Default()
	}
	if eng.sampleInterval <= 0 {
		return nil, fmt.Errorf("conveyor: depth sample interval must be positive, got %s", eng.sampleInterval)
	}

	config := d.Config()

	// The collector sees every event the other extensions see.
	eng.collector = metrics.NewCollector(eng.metricOpts...)
	eng.extensions.Register(eng.collector)

	eng.queue = queue.New(js,
		queue.WithManager(queue.NewManager(eng.queueConfigs...)),
		queue.WithTierSelector(eng.tiers),
		queue.WithExtensions(eng.extensions),
		queue.WithLogger(logger),
	)
	eng.sweeper = queue.NewSweeper(eng.queue, config.ReclaimInterval, logger)
	eng.dlq = dlq.NewService(js, eng.queue).WithLogger(logger)

	executor := worker.NewExecutor(eng.registry, eng.queue, eng.extensions, eng.policy, logger, eng.middleware()...)
	eng.pool = worker.NewPool(eng.queue, executor, config, logger)

	eng.scheduler = cron.NewScheduler(cs, eng.enqueueFromSchedule,
		cron.WithCheckInterval(config.SchedulerInterval),
		cron.WithEmitter(eng.extensions),
		cron.WithLogger(logger),
	)

	eng.sampler = metrics.NewSampler(eng.collector, js, eng.sampledQueues(config.Queues), eng.sampleInterval, logger)

	// Stop runs in reverse: the scheduler stops materializing first, then
	// the pool drains, then the background loops.
	d.AddRunner(eng.sweeper)
	d.AddRunner(eng.sampler)
	d.AddRunner(eng.pool)
	d.AddRunner(eng.scheduler)
	d.SetExtensions(eng.extensions)

	return eng, nil
}

// middleware builds the execution chain:
// recover → tracing → metrics → logging → timeout → user middleware.
func (eng *Engine) middleware() []mw.Middleware {
	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}

	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	}

	mws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger),
	}
	return append(mws, eng.mws...)
}

// sampledQueues is the union of the worker queues and the configured ones.
func (eng *Engine) sampledQueues(workerQueues []string) []string {
	seen := make(map[string]bool, len(workerQueues)+len(eng.queueConfigs))
	var out []string
	for _, q := range workerQueues {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, c := range eng.queueConfigs {
		if !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c.Name)
		}
	}
	return out
}

func (eng *Engine) enqueueFromSchedule(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (id.JobID, error) {
	j, err := eng.EnqueueRaw(ctx, jobType, payload, opts...)
	if err != nil {
		return id.Nil, err
	}
	return j.ID, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// RegisterSchedule registers a typed schedule definition. Registering the
// same name again is a no-op.
func RegisterSchedule[T any](ctx context.Context, eng *Engine, def *cron.Definition[T]) error {
	return cron.Register(ctx, eng.scheduler, def)
}

// Enqueue encodes payload with the codec registered for jobType (JSON
// when the type is unknown to this process) and enqueues it.
func Enqueue[T any](ctx context.Context, eng *Engine, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	codec := eng.registry.Options(jobType).Codec
	if codec == nil {
		codec = job.JSON
	}
	data, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for job %q: %w", jobType, err)
	}

	return eng.EnqueueRaw(ctx, jobType, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-encoded payload. The registered
// defaults of jobType apply first, then opts.
func (eng *Engine) EnqueueRaw(ctx context.Context, jobType string, payload []byte, opts ...job.Option) (*job.Job, error) {
	jobOpts := eng.registry.Options(jobType)
	for _, opt := range opts {
		opt(&jobOpts)
	}

	j := &job.Job{
		Entity:      conveyor.NewEntity(),
		ID:          id.NewJobID(),
		Type:        jobType,
		Queue:       jobOpts.Queue,
		Payload:     payload,
		Priority:    jobOpts.Priority,
		MaxAttempts: jobOpts.MaxAttempts,
		Timeout:     jobOpts.Timeout,
		AvailableAt: jobOpts.AvailableAt(eng.queue.Now()),
	}

	if _, err := eng.queue.Enqueue(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Start ensures the configured schedules exist, then starts the sweeper,
// depth sampler, worker pool and scheduler.
func (eng *Engine) Start(ctx context.Context) error {
	for _, sc := range eng.schedules {
		if err := eng.scheduler.Ensure(ctx, sc); err != nil {
			return fmt.Errorf("ensure schedule %q: %w", sc.Name, err)
		}
	}
	return eng.d.Start(ctx)
}

// Stop gracefully shuts down the engine. In-flight jobs get the
// dispatcher's shutdown grace to finish.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.d.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Dispatcher returns the underlying Dispatcher.
func (eng *Engine) Dispatcher() *conveyor.Dispatcher { return eng.d }

// Queue returns the job queue.
func (eng *Engine) Queue() *queue.Queue { return eng.queue }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }

// DLQService returns the engine's DLQ service for replay and inspection.
func (eng *Engine) DLQService() *dlq.Service { return eng.dlq }

// Metrics returns the metrics collector.
func (eng *Engine) Metrics() *metrics.Collector { return eng.collector }

// Sampler returns the queue depth sampler.
func (eng *Engine) Sampler() *metrics.Sampler { return eng.sampler }

// GetJob returns a job by ID.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.jobStore.GetJob(ctx, jobID)
}

// Ping checks backend connectivity.
func (eng *Engine) Ping(ctx context.Context) error {
	return eng.d.Store().Ping(ctx)
}
