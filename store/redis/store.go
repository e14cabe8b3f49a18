package redis

import (
	"context"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/job"
	"github.com/rcommerce/conveyor/store"
)

// Compile-time interface checks.
var (
	_ job.Store   = (*Store)(nil)
	_ cron.Store  = (*Store)(nil)
	_ store.Store = (*Store)(nil)
)

// DefaultPrefix is prepended to every key.
const DefaultPrefix = "{conveyor}:"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix namespaces every key, so several engines can share one
// Redis database.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.Cmdable
	prefix string
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Migrate loads the Lua scripts so the first transitions run by SHA.
func (s *Store) Migrate(ctx context.Context) error {
	for _, sc := range allScripts {
		if err := sc.Load(ctx, s.client).Err(); err != nil {
			return wrap("load script", err)
		}
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client.
func (s *Store) Close() error { return nil }

// run executes a script with the key prefix as the first argument.
func (s *Store) run(ctx context.Context, sc *goredis.Script, args ...any) *goredis.Cmd {
	return sc.Run(ctx, s.client, nil, append([]any{s.prefix}, args...)...)
}
