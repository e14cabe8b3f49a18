package cron

import (
	"context"
	"time"

	"github.com/rcommerce/conveyor/id"
)

// Store defines the persistence contract for schedules.
type Store interface {
	// CreateSchedule persists a new schedule. A name already in use returns
	// conveyor.ErrDuplicateSchedule.
	CreateSchedule(ctx context.Context, s *Schedule) error

	// GetSchedule retrieves a schedule by ID.
	GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*Schedule, error)

	// GetScheduleByName retrieves a schedule by its unique name.
	GetScheduleByName(ctx context.Context, name string) (*Schedule, error)

	// ListSchedules returns every schedule ordered by name.
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	// ListDueSchedules returns enabled schedules with next_run_at <= now.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	// UpdateSchedule replaces the expression, timezone, template, enabled
	// flag and next_run_at of an existing schedule.
	UpdateSchedule(ctx context.Context, s *Schedule) error

	// AdvanceSchedule moves next_run_at from expected to next and records
	// firedAt as last_run_at, only if next_run_at still equals expected.
	// It reports whether this caller won. Exactly one of several racing
	// schedulers wins for a given fire time.
	AdvanceSchedule(ctx context.Context, scheduleID id.ScheduleID, expected, next, firedAt time.Time) (bool, error)

	// DeleteSchedule removes a schedule by ID.
	DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error
}
