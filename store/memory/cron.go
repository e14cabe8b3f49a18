package memory

import (
	"context"
	"sort"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/id"
)

func cloneSchedule(s *cron.Schedule) *cron.Schedule {
	cp := *s
	if s.Template.Payload != nil {
		cp.Template.Payload = append([]byte(nil), s.Template.Payload...)
	}
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		cp.LastRunAt = &t
	}
	return &cp
}

// CreateSchedule persists a new schedule. Names are unique.
func (m *Store) CreateSchedule(_ context.Context, s *cron.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.schedules {
		if existing.Name == s.Name {
			return conveyor.ErrDuplicateSchedule
		}
	}
	m.schedules[s.ID.String()] = cloneSchedule(s)
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (m *Store) GetSchedule(_ context.Context, scheduleID id.ScheduleID) (*cron.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[scheduleID.String()]
	if !ok {
		return nil, conveyor.ErrScheduleNotFound
	}
	return cloneSchedule(s), nil
}

// GetScheduleByName retrieves a schedule by name.
func (m *Store) GetScheduleByName(_ context.Context, name string) (*cron.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.schedules {
		if s.Name == name {
			return cloneSchedule(s), nil
		}
	}
	return nil, conveyor.ErrScheduleNotFound
}

func (m *Store) sortedSchedules(keep func(*cron.Schedule) bool) []*cron.Schedule {
	out := make([]*cron.Schedule, 0, len(m.schedules))
	for _, s := range m.schedules {
		if keep(s) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// ListSchedules returns every schedule ordered by name.
func (m *Store) ListSchedules(context.Context) ([]*cron.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedSchedules(func(*cron.Schedule) bool { return true }), nil
}

// ListDueSchedules returns enabled schedules due at now.
func (m *Store) ListDueSchedules(_ context.Context, now time.Time) ([]*cron.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedSchedules(func(s *cron.Schedule) bool {
		return s.Enabled && !s.NextRunAt.After(now)
	}), nil
}

// UpdateSchedule replaces the mutable fields of a schedule.
func (m *Store) UpdateSchedule(_ context.Context, s *cron.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.schedules[s.ID.String()]
	if !ok {
		return conveyor.ErrScheduleNotFound
	}
	existing.Expression = s.Expression
	existing.Timezone = s.Timezone
	existing.Template = s.Template
	existing.Enabled = s.Enabled
	existing.NextRunAt = s.NextRunAt
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// AdvanceSchedule moves next_run_at if it still equals expected.
func (m *Store) AdvanceSchedule(_ context.Context, scheduleID id.ScheduleID, expected, next, firedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.schedules[scheduleID.String()]
	if !ok {
		return false, conveyor.ErrScheduleNotFound
	}
	if !s.NextRunAt.Equal(expected) {
		return false, nil
	}
	s.NextRunAt = next
	s.LastRunAt = &firedAt
	s.UpdatedAt = firedAt
	return true, nil
}

// DeleteSchedule removes a schedule.
func (m *Store) DeleteSchedule(_ context.Context, scheduleID id.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scheduleID.String()
	if _, ok := m.schedules[key]; !ok {
		return conveyor.ErrScheduleNotFound
	}
	delete(m.schedules, key)
	return nil
}
