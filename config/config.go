// Package config loads process configuration for the conveyor binary.
//
// Values are layered: built-in defaults, then an optional YAML or TOML
// file, then CONVEYOR_* environment variables. A later layer only
// overrides the keys it sets.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/metrics"
	"github.com/rcommerce/conveyor/queue"
	"github.com/rcommerce/conveyor/retry"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONVEYOR_"

// Backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the full process configuration.
type Config struct {
	Backend     string `yaml:"backend" toml:"backend" env:"BACKEND"`
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn" env:"POSTGRES_DSN"`
	RedisURL    string `yaml:"redis_url" toml:"redis_url" env:"REDIS_URL"`
	RedisPrefix string `yaml:"redis_prefix" toml:"redis_prefix" env:"REDIS_PREFIX"`
	Migrate     bool   `yaml:"migrate" toml:"migrate" env:"MIGRATE"`

	AdminAddr string `yaml:"admin_addr" toml:"admin_addr" env:"ADMIN_ADDR"`
	LogLevel  string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" toml:"log_format" env:"LOG_FORMAT"`

	// Audit logs job transitions as audit records.
	Audit bool `yaml:"audit" toml:"audit" env:"AUDIT"`

	Worker  WorkerConfig  `yaml:"worker" toml:"worker" envPrefix:"WORKER_"`
	Retry   RetryConfig   `yaml:"retry" toml:"retry" envPrefix:"RETRY_"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics" envPrefix:"METRICS_"`

	// Queues are per-queue limits. File only.
	Queues []QueueConfig `yaml:"queues" toml:"queues"`
}

// WorkerConfig maps onto conveyor.Config.
type WorkerConfig struct {
	PoolSize          int      `yaml:"pool_size" toml:"pool_size" env:"POOL_SIZE"`
	Concurrency       int      `yaml:"concurrency" toml:"concurrency" env:"CONCURRENCY"`
	Queues            []string `yaml:"queues" toml:"queues" env:"QUEUES" envSeparator:","`
	PollInterval      Duration `yaml:"poll_interval" toml:"poll_interval" env:"POLL_INTERVAL"`
	MaxPollBackoff    Duration `yaml:"max_poll_backoff" toml:"max_poll_backoff" env:"MAX_POLL_BACKOFF"`
	LeaseDuration     Duration `yaml:"lease_duration" toml:"lease_duration" env:"LEASE_DURATION"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	ReclaimInterval   Duration `yaml:"reclaim_interval" toml:"reclaim_interval" env:"RECLAIM_INTERVAL"`
	ShutdownGrace     Duration `yaml:"shutdown_grace" toml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	SchedulerInterval Duration `yaml:"scheduler_interval" toml:"scheduler_interval" env:"SCHEDULER_INTERVAL"`

	// Tiers is "strict" or "weighted".
	Tiers   string         `yaml:"tiers" toml:"tiers" env:"TIERS"`
	Weights map[string]int `yaml:"weights" toml:"weights"`
}

// RetryConfig selects the retry policy.
type RetryConfig struct {
	// Policy is "exponential", "fixed" or "linear".
	Policy     string   `yaml:"policy" toml:"policy" env:"POLICY"`
	Base       Duration `yaml:"base" toml:"base" env:"BASE"`
	Multiplier float64  `yaml:"multiplier" toml:"multiplier" env:"MULTIPLIER"`
	MaxDelay   Duration `yaml:"max_delay" toml:"max_delay" env:"MAX_DELAY"`
	Jitter     float64  `yaml:"jitter" toml:"jitter" env:"JITTER"`
}

// MetricsConfig configures the collector and its alert rules.
type MetricsConfig struct {
	Window         Duration      `yaml:"window" toml:"window" env:"WINDOW"`
	SampleInterval Duration      `yaml:"sample_interval" toml:"sample_interval" env:"SAMPLE_INTERVAL"`
	Alerts         []AlertConfig `yaml:"alerts" toml:"alerts"`
}

// AlertConfig is one alert rule.
type AlertConfig struct {
	Name       string  `yaml:"name" toml:"name"`
	Kind       string  `yaml:"kind" toml:"kind"`
	Queue      string  `yaml:"queue" toml:"queue"`
	Threshold  float64 `yaml:"threshold" toml:"threshold"`
	MinSamples int64   `yaml:"min_samples" toml:"min_samples"`
}

// QueueConfig maps onto queue.Config.
type QueueConfig struct {
	Name           string   `yaml:"name" toml:"name"`
	MaxConcurrency int      `yaml:"max_concurrency" toml:"max_concurrency"`
	RateLimit      float64  `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst      int      `yaml:"rate_burst" toml:"rate_burst"`
	MaxDepth       int64    `yaml:"max_depth" toml:"max_depth"`
	Overflow       string   `yaml:"overflow" toml:"overflow"`
	BlockTimeout   Duration `yaml:"block_timeout" toml:"block_timeout"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	d := conveyor.DefaultConfig()
	return Config{
		Backend:   BackendMemory,
		Migrate:   true,
		AdminAddr: ":8080",
		LogLevel:  "info",
		LogFormat: "json",
		Worker: WorkerConfig{
			PoolSize:          d.PoolSize,
			Concurrency:       d.WorkerConcurrency,
			Queues:            d.Queues,
			PollInterval:      Duration(d.PollInterval),
			MaxPollBackoff:    Duration(d.MaxPollBackoff),
			LeaseDuration:     Duration(d.LeaseDuration),
			HeartbeatInterval: Duration(d.HeartbeatInterval),
			ReclaimInterval:   Duration(d.ReclaimInterval),
			ShutdownGrace:     Duration(d.ShutdownGrace),
			SchedulerInterval: Duration(d.SchedulerInterval),
			Tiers:             "strict",
		},
		Retry: RetryConfig{
			Policy:     "exponential",
			Base:       Duration(time.Second),
			Multiplier: 2,
			MaxDelay:   Duration(time.Minute),
			Jitter:     0.2,
		},
		Metrics: MetricsConfig{
			Window:         Duration(metrics.DefaultWindow),
			SampleInterval: Duration(10 * time.Second),
		},
	}
}

// Load builds the configuration from defaults, the file at path (if
// any) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports inconsistent settings. Every conversion method is
// checked so a valid Config always converts cleanly.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("config: postgres backend requires postgres_dsn"))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("config: redis backend requires redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown backend %q", c.Backend))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("config: log_format must be json or text, got %q", c.LogFormat))
	}
	if err := c.Dispatcher().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.TierSelector(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RetryPolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.QueueConfigs(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.AlertRules(); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.SampleInterval <= 0 {
		errs = append(errs, errors.New("config: metrics sample_interval must be positive"))
	}
	return errors.Join(errs...)
}

// Dispatcher returns the engine configuration.
func (c Config) Dispatcher() conveyor.Config {
	w := c.Worker
	return conveyor.Config{
		PoolSize:          w.PoolSize,
		WorkerConcurrency: w.Concurrency,
		Queues:            append([]string(nil), w.Queues...),
		PollInterval:      w.PollInterval.Std(),
		MaxPollBackoff:    w.MaxPollBackoff.Std(),
		LeaseDuration:     w.LeaseDuration.Std(),
		HeartbeatInterval: w.HeartbeatInterval.Std(),
		ReclaimInterval:   w.ReclaimInterval.Std(),
		ShutdownGrace:     w.ShutdownGrace.Std(),
		SchedulerInterval: w.SchedulerInterval.Std(),
	}
}

// SlogLevel parses LogLevel ("debug", "info", "warn", "error").
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	return l, nil
}

// TierSelector returns the priority tier strategy.
func (c Config) TierSelector() (queue.TierSelector, error) {
	switch strings.ToLower(c.Worker.Tiers) {
	case "", "strict":
		return queue.StrictPriority{}, nil
	case "weighted":
		if len(c.Worker.Weights) == 0 {
			return queue.NewWeightedRoundRobin(queue.DefaultWeights()), nil
		}
		weights := make(map[job.Priority]int, len(c.Worker.Weights))
		for name, w := range c.Worker.Weights {
			p, err := job.ParsePriority(name)
			if err != nil {
				return nil, fmt.Errorf("config: worker.weights: %w", err)
			}
			weights[p] = w
		}
		return queue.NewWeightedRoundRobin(weights), nil
	}
	return nil, fmt.Errorf("config: worker.tiers must be strict or weighted, got %q", c.Worker.Tiers)
}

// RetryPolicy returns the configured retry policy.
func (c Config) RetryPolicy() (retry.Policy, error) {
	r := c.Retry
	switch strings.ToLower(r.Policy) {
	case "", "exponential":
		if r.Jitter < 0 || r.Jitter > 1 {
			return nil, fmt.Errorf("config: retry.jitter must be within [0, 1], got %v", r.Jitter)
		}
		return retry.Exponential{
			Base:           r.Base.Std(),
			Multiplier:     r.Multiplier,
			MaxDelay:       r.MaxDelay.Std(),
			JitterFraction: r.Jitter,
		}, nil
	case "fixed":
		return retry.Fixed{Delay: r.Base.Std()}, nil
	case "linear":
		return retry.Linear{Initial: r.Base.Std(), Max: r.MaxDelay.Std()}, nil
	}
	return nil, fmt.Errorf("config: unknown retry.policy %q", r.Policy)
}

// QueueConfigs returns the per-queue limits.
func (c Config) QueueConfigs() ([]queue.Config, error) {
	out := make([]queue.Config, 0, len(c.Queues))
	seen := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if q.Name == "" {
			return nil, fmt.Errorf("config: queues[%d] has no name", i)
		}
		if seen[q.Name] {
			return nil, fmt.Errorf("config: queue %q configured twice", q.Name)
		}
		seen[q.Name] = true

		var overflow queue.OverflowPolicy
		if q.Overflow != "" {
			p, err := queue.ParseOverflowPolicy(q.Overflow)
			if err != nil {
				return nil, fmt.Errorf("config: queue %q: %w", q.Name, err)
			}
			overflow = p
		}
		out = append(out, queue.Config{
			Name:           q.Name,
			MaxConcurrency: q.MaxConcurrency,
			RateLimit:      q.RateLimit,
			RateBurst:      q.RateBurst,
			MaxDepth:       q.MaxDepth,
			Overflow:       overflow,
			BlockTimeout:   q.BlockTimeout.Std(),
		})
	}
	return out, nil
}

// AlertRules returns the validated alert rules.
func (c Config) AlertRules() ([]metrics.Rule, error) {
	rules := make([]metrics.Rule, 0, len(c.Metrics.Alerts))
	for _, a := range c.Metrics.Alerts {
		r := metrics.Rule{
			Name:       a.Name,
			Kind:       metrics.RuleKind(a.Kind),
			Queue:      a.Queue,
			Threshold:  a.Threshold,
			MinSamples: a.MinSamples,
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// MetricsOptions returns collector options for the configured window
// and alert rules.
func (c Config) MetricsOptions() ([]metrics.Option, error) {
	rules, err := c.AlertRules()
	if err != nil {
		return nil, err
	}
	opts := []metrics.Option{metrics.WithRules(rules...)}
	if c.Metrics.Window > 0 {
		opts = append(opts, metrics.WithWindow(c.Metrics.Window.Std()))
	}
	return opts, nil
}
