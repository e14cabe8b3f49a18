// Package api serves the admin and observability HTTP interface of a
// conveyor Engine: queue depth, job inspection and cancellation, DLQ
// administration, worker lifecycle, schedules, metrics and health.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcommerce/conveyor/engine"
)

// API wires the HTTP handlers to an Engine.
type API struct {
	eng      *engine.Engine
	logger   *slog.Logger
	registry *prometheus.Registry
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger used for request failures.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithRegistry sets the Prometheus registry served at /metrics. The
// engine's collector is registered on it.
func WithRegistry(r *prometheus.Registry) Option {
	return func(a *API) { a.registry = r }
}

// New creates an API for eng. Unless WithRegistry is given, /metrics
// serves a fresh registry holding the engine collector plus the Go
// runtime and process collectors.
func New(eng *engine.Engine, opts ...Option) (*API, error) {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		if err := a.registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, err
		}
		if err := a.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, err
		}
	}
	if err := a.registry.Register(eng.Metrics()); err != nil {
		return nil, err
	}
	return a, nil
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers every route on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		a.registerJobRoutes(r)
		a.registerDLQRoutes(r)
		a.registerWorkerRoutes(r)
		a.registerScheduleRoutes(r)
		a.registerMetricsRoutes(r)
	})
}

func (a *API) registerJobRoutes(r chi.Router) {
	r.Post("/jobs", a.enqueueJob)
	r.Get("/jobs/{jobID}", a.getJob)
	r.Post("/jobs/{jobID}/cancel", a.cancelJob)
	r.Get("/queues/{queue}/depth", a.queueDepth)
	r.Get("/queues/{queue}/counts", a.queueCounts)
}

func (a *API) registerDLQRoutes(r chi.Router) {
	r.Get("/dlq", a.listDLQ)
	r.Get("/dlq/count", a.dlqCount)
	r.Post("/dlq/purge", a.purgeDLQ)
	r.Get("/dlq/{jobID}", a.getDLQ)
	r.Post("/dlq/{jobID}/requeue", a.requeueDLQ)
}

func (a *API) registerWorkerRoutes(r chi.Router) {
	r.Get("/workers", a.listWorkers)
	r.Post("/workers/pause", a.pauseWorkers)
	r.Post("/workers/resume", a.resumeWorkers)
	r.Post("/workers/stop", a.stopWorkers)
	r.Post("/workers/start", a.startWorkers)
}

func (a *API) registerScheduleRoutes(r chi.Router) {
	r.Get("/schedules", a.listSchedules)
	r.Post("/schedules", a.createSchedule)
	r.Get("/schedules/{scheduleID}", a.getSchedule)
	r.Post("/schedules/{scheduleID}/enable", a.enableSchedule)
	r.Post("/schedules/{scheduleID}/disable", a.disableSchedule)
	r.Delete("/schedules/{scheduleID}", a.deleteSchedule)
}

func (a *API) registerMetricsRoutes(r chi.Router) {
	r.Get("/metrics", a.metricsSnapshot)
	r.Get("/alerts", a.alerts)
}
