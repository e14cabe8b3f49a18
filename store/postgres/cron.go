package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/id"
)

const scheduleColumns = `
	id, name, expression, timezone, template, enabled,
	next_run_at, last_run_at, created_at, updated_at`

// CreateSchedule persists a new schedule. Names are unique.
func (s *Store) CreateSchedule(ctx context.Context, sc *cron.Schedule) error {
	tmpl, err := json.Marshal(sc.Template)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: encode template: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conveyor_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sc.ID, sc.Name, sc.Expression, sc.Timezone, tmpl, sc.Enabled,
		sc.NextRunAt, sc.LastRunAt, sc.CreatedAt, sc.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return conveyor.ErrDuplicateSchedule
		}
		return fmt.Errorf("conveyor/postgres: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*cron.Schedule, error) {
	return s.getSchedule(ctx, `SELECT`+scheduleColumns+` FROM conveyor_schedules WHERE id = $1`, scheduleID)
}

// GetScheduleByName retrieves a schedule by name.
func (s *Store) GetScheduleByName(ctx context.Context, name string) (*cron.Schedule, error) {
	return s.getSchedule(ctx, `SELECT`+scheduleColumns+` FROM conveyor_schedules WHERE name = $1`, name)
}

func (s *Store) getSchedule(ctx context.Context, query string, arg any) (*cron.Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if isNoRows(err) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("conveyor/postgres: get schedule: %w", err)
	}
	return sc, nil
}

// ListSchedules returns every schedule ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*cron.Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT`+scheduleColumns+` FROM conveyor_schedules ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListDueSchedules returns enabled schedules due at now.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*cron.Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+scheduleColumns+`
		FROM conveyor_schedules
		WHERE enabled AND next_run_at <= $1
		ORDER BY name ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("conveyor/postgres: list due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// UpdateSchedule replaces the mutable fields of a schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sc *cron.Schedule) error {
	tmpl, err := json.Marshal(sc.Template)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: encode template: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_schedules SET
			expression = $2, timezone = $3, template = $4, enabled = $5,
			next_run_at = $6, updated_at = NOW()
		WHERE id = $1`,
		sc.ID, sc.Expression, sc.Timezone, tmpl, sc.Enabled, sc.NextRunAt,
	)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

// AdvanceSchedule moves next_run_at if it still equals expected. The
// comparison in the WHERE clause makes it a compare-and-swap.
func (s *Store) AdvanceSchedule(ctx context.Context, scheduleID id.ScheduleID, expected, next, firedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conveyor_schedules SET
			next_run_at = $3, last_run_at = $4, updated_at = $4
		WHERE id = $1 AND next_run_at = $2`,
		scheduleID, expected, next, firedAt,
	)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: advance schedule: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM conveyor_schedules WHERE id = $1)`, scheduleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("conveyor/postgres: check schedule: %w", err)
	}
	if !exists {
		return false, conveyor.ErrScheduleNotFound
	}
	return false, nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conveyor_schedules WHERE id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("conveyor/postgres: delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row) (*cron.Schedule, error) {
	var (
		sc   cron.Schedule
		tmpl []byte
	)
	err := row.Scan(
		&sc.ID, &sc.Name, &sc.Expression, &sc.Timezone, &tmpl, &sc.Enabled,
		&sc.NextRunAt, &sc.LastRunAt, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(tmpl, &sc.Template); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: decode template of %q: %w", sc.Name, err)
	}
	return &sc, nil
}

func collectSchedules(rows pgx.Rows) ([]*cron.Schedule, error) {
	var out []*cron.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("conveyor/postgres: scan schedule row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conveyor/postgres: iterate schedule rows: %w", err)
	}
	return out, nil
}
