// Package store defines the aggregate persistence interface. Each subsystem
// (job, cron) defines its own store interface and the composite Store
// embeds them. Backends: Postgres, Redis and Memory.
package store

import (
	"context"

	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/job"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store.
type Store interface {
	job.Store
	cron.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the backend connection.
	Close() error
}
