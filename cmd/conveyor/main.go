// Command conveyor runs the job engine with its admin HTTP API.
//
//	conveyor [--config conveyor.yaml]
//
// Configuration is read from the file (YAML or TOML) and CONVEYOR_*
// environment variables; see package config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/api"
	"github.com/rcommerce/conveyor/audit"
	"github.com/rcommerce/conveyor/config"
	"github.com/rcommerce/conveyor/engine"
	"github.com/rcommerce/conveyor/store"
	"github.com/rcommerce/conveyor/store/memory"
	"github.com/rcommerce/conveyor/store/postgres"
	"github.com/rcommerce/conveyor/store/redis"
)

const shutdownHTTPTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("conveyor exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string) error {
	path, err := config.ResolvePath(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	if path != "" {
		logger.Info("loaded config file", slog.String("path", path))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeBackend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	if cfg.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", conveyor.ErrMigrationFailed, err)
		}
	}

	eng, err := buildEngine(cfg, st, logger)
	if err != nil {
		return err
	}

	admin, err := api.New(eng, api.WithLogger(logger))
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Worker.ShutdownGrace.Std() + 10*time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	logger.Info("conveyor started",
		slog.String("backend", cfg.Backend),
		slog.String("admin_addr", cfg.AdminAddr),
		slog.Any("queues", cfg.Worker.Queues),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		httpCtx, cancel := context.WithTimeout(context.Background(), shutdownHTTPTimeout)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Warn("admin server shutdown", slog.String("error", err.Error()))
		}

		stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace.Std())
		defer cancelStop()
		return eng.Stop(stopCtx)
	})
	return g.Wait()
}

func newLogger(cfg config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

// openStore returns the configured backend and a func releasing any
// client the store does not own.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendPostgres:
		st, err := postgres.New(ctx, cfg.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, noop, err
		}
		return st, noop, nil
	case config.BackendRedis:
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, noop, fmt.Errorf("parse redis url: %w", err)
		}
		client := goredis.NewClient(opts)
		redisOpts := []redis.Option{redis.WithLogger(logger)}
		if cfg.RedisPrefix != "" {
			redisOpts = append(redisOpts, redis.WithPrefix(cfg.RedisPrefix))
		}
		return redis.New(client, redisOpts...), func() { _ = client.Close() }, nil
	default:
		logger.Warn("using in-memory store; jobs do not survive restarts")
		return memory.New(), noop, nil
	}
}

func buildEngine(cfg config.Config, st store.Store, logger *slog.Logger) (*engine.Engine, error) {
	d, err := conveyor.New(
		conveyor.WithConfig(cfg.Dispatcher()),
		conveyor.WithLogger(logger),
		conveyor.WithStore(st),
	)
	if err != nil {
		return nil, err
	}

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	tiers, err := cfg.TierSelector()
	if err != nil {
		return nil, err
	}
	queues, err := cfg.QueueConfigs()
	if err != nil {
		return nil, err
	}
	metricOpts, err := cfg.MetricsOptions()
	if err != nil {
		return nil, err
	}
	metricOpts = append(metricOpts, metricsAlertLogger(logger))

	opts := []engine.Option{
		engine.WithRetryPolicy(policy),
		engine.WithTierSelector(tiers),
		engine.WithQueueConfig(queues...),
		engine.WithMetricsOptions(metricOpts...),
		engine.WithDepthSampleInterval(cfg.Metrics.SampleInterval.Std()),
	}
	if cfg.Audit {
		opts = append(opts, engine.WithExtension(
			audit.New(audit.LogRecorder(logger.With(slog.String("component", "audit"))), audit.WithLogger(logger)),
		))
	}
	return engine.Build(d, opts...)
}
