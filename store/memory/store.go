// Package memory is an in-process backend. One mutex serializes every
// operation, which trivially makes each job transition atomic. It is meant
// for tests and local development; nothing survives a restart.
package memory

import (
	"context"
	"sync"

	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/job"
)

// Compile-time checks. store.Store cannot be imported here (cycle), so
// each subsystem is verified instead.
var (
	_ job.Store  = (*Store)(nil)
	_ cron.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.Mutex

	jobs      map[string]*job.Job
	schedules map[string]*cron.Schedule
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		schedules: make(map[string]*cron.Schedule),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }
