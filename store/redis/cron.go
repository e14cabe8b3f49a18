package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/id"
)

func scheduleFields(sc *cron.Schedule) ([]any, error) {
	tmpl, err := json.Marshal(sc.Template)
	if err != nil {
		return nil, fmt.Errorf("encode template: %w", err)
	}
	enabled := "0"
	if sc.Enabled {
		enabled = "1"
	}
	return []any{
		"id", sc.ID.String(),
		"name", sc.Name,
		"expression", sc.Expression,
		"timezone", sc.Timezone,
		"template", string(tmpl),
		"enabled", enabled,
		"next_run_at", micros(sc.NextRunAt),
		"last_run_at", microsPtr(sc.LastRunAt),
		"created_at", micros(sc.CreatedAt),
		"updated_at", micros(sc.UpdatedAt),
	}, nil
}

func mapToSchedule(m map[string]string) (*cron.Schedule, error) {
	var sc cron.Schedule
	sID, err := id.ParseScheduleID(m["id"])
	if err != nil {
		return nil, wrap("parse schedule id", err)
	}
	sc.ID = sID
	sc.Name = m["name"]
	sc.Expression = m["expression"]
	sc.Timezone = m["timezone"]
	sc.Enabled = m["enabled"] == "1"

	var errs []error
	if err := json.Unmarshal([]byte(m["template"]), &sc.Template); err != nil {
		errs = append(errs, fmt.Errorf("template: %w", err))
	}
	if sc.NextRunAt, err = parseMicros(m["next_run_at"]); err != nil {
		errs = append(errs, fmt.Errorf("next_run_at: %w", err))
	}
	if sc.LastRunAt, err = parseMicrosPtr(m["last_run_at"]); err != nil {
		errs = append(errs, fmt.Errorf("last_run_at: %w", err))
	}
	if sc.CreatedAt, err = parseMicros(m["created_at"]); err != nil {
		errs = append(errs, fmt.Errorf("created_at: %w", err))
	}
	if sc.UpdatedAt, err = parseMicros(m["updated_at"]); err != nil {
		errs = append(errs, fmt.Errorf("updated_at: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, wrap(fmt.Sprintf("decode schedule %q", sc.Name), err)
	}
	return &sc, nil
}

// CreateSchedule persists a new schedule. Names are unique.
func (s *Store) CreateSchedule(ctx context.Context, sc *cron.Schedule) error {
	fields, err := scheduleFields(sc)
	if err != nil {
		return wrap("create schedule", err)
	}
	args := append([]any{sc.ID.String(), sc.Name}, fields...)
	reply, err := s.run(ctx, createScheduleScript, args...).Text()
	if err != nil {
		return wrap("create schedule", err)
	}
	if reply == "duplicate" {
		return conveyor.ErrDuplicateSchedule
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*cron.Schedule, error) {
	vals, err := s.client.HGetAll(ctx, s.scheduleKey(scheduleID.String())).Result()
	if err != nil {
		return nil, wrap("get schedule", err)
	}
	if len(vals) == 0 {
		return nil, conveyor.ErrScheduleNotFound
	}
	return mapToSchedule(vals)
}

// GetScheduleByName retrieves a schedule by name.
func (s *Store) GetScheduleByName(ctx context.Context, name string) (*cron.Schedule, error) {
	sID, err := s.client.HGet(ctx, s.scheduleNamesKey(), name).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, conveyor.ErrScheduleNotFound
		}
		return nil, wrap("get schedule by name", err)
	}
	parsed, err := id.ParseScheduleID(sID)
	if err != nil {
		return nil, wrap("parse schedule id", err)
	}
	return s.GetSchedule(ctx, parsed)
}

// loadSchedules fetches the given IDs in one round trip, sorted by name.
func (s *Store) loadSchedules(ctx context.Context, ids []string) ([]*cron.Schedule, error) {
	if len(ids) == 0 {
		return []*cron.Schedule{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, sID := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.scheduleKey(sID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, wrap("load schedules", err)
	}

	out := make([]*cron.Schedule, 0, len(ids))
	for _, cmd := range cmds {
		if len(cmd.Val()) == 0 {
			continue
		}
		sc, err := mapToSchedule(cmd.Val())
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

// ListSchedules returns every schedule ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*cron.Schedule, error) {
	ids, err := s.client.HVals(ctx, s.scheduleNamesKey()).Result()
	if err != nil {
		return nil, wrap("list schedules", err)
	}
	return s.loadSchedules(ctx, ids)
}

// ListDueSchedules returns enabled schedules due at now.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*cron.Schedule, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.schedulesDueKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: micros(now),
	}).Result()
	if err != nil {
		return nil, wrap("list due schedules", err)
	}
	return s.loadSchedules(ctx, ids)
}

// UpdateSchedule replaces the mutable fields of a schedule.
func (s *Store) UpdateSchedule(ctx context.Context, sc *cron.Schedule) error {
	tmpl, err := json.Marshal(sc.Template)
	if err != nil {
		return wrap("update schedule", err)
	}
	enabled := "0"
	if sc.Enabled {
		enabled = "1"
	}
	reply, err := s.run(ctx, updateScheduleScript, sc.ID.String(),
		"expression", sc.Expression,
		"timezone", sc.Timezone,
		"template", string(tmpl),
		"enabled", enabled,
		"next_run_at", micros(sc.NextRunAt),
		"updated_at", micros(time.Now()),
	).Text()
	if err != nil {
		return wrap("update schedule", err)
	}
	if reply == "not_found" {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}

// AdvanceSchedule moves next_run_at if it still equals expected.
func (s *Store) AdvanceSchedule(ctx context.Context, scheduleID id.ScheduleID, expected, next, firedAt time.Time) (bool, error) {
	n, err := s.run(ctx, advanceScheduleScript,
		scheduleID.String(), micros(expected), micros(next), micros(firedAt),
	).Int()
	if err != nil {
		return false, wrap("advance schedule", err)
	}
	switch n {
	case -1:
		return false, conveyor.ErrScheduleNotFound
	case 1:
		return true, nil
	}
	return false, nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	n, err := s.run(ctx, deleteScheduleScript, scheduleID.String()).Int()
	if err != nil {
		return wrap("delete schedule", err)
	}
	if n == 0 {
		return conveyor.ErrScheduleNotFound
	}
	return nil
}
