package redis

import (
	"fmt"
	"strconv"
	"time"
)

// Key layout, relative to the store prefix:
//
//	job:{id}                 Hash of job fields
//	jobs                     Sorted Set of every job ID (lexical order)
//	status:{status}          Sorted Set of job IDs per status
//	waiting:{queue}:{prio}   Sorted Set of waiting jobs by available_at
//	fifo:{queue}             Sorted Set of waiting jobs by created_at
//	leased                   Sorted Set of leased jobs by lease expiry
//	counts                   Hash "queue|status|prio" -> count
//	schedule:{id}            Hash of schedule fields
//	schedule_names           Hash name -> schedule ID
//	schedules_due            Sorted Set of enabled schedules by next_run_at

func (s *Store) jobKey(id string) string      { return s.prefix + "job:" + id }
func (s *Store) jobsKey() string              { return s.prefix + "jobs" }
func (s *Store) statusKey(st string) string   { return s.prefix + "status:" + st }
func (s *Store) countsKey() string            { return s.prefix + "counts" }
func (s *Store) scheduleKey(id string) string { return s.prefix + "schedule:" + id }
func (s *Store) scheduleNamesKey() string     { return s.prefix + "schedule_names" }
func (s *Store) schedulesDueKey() string      { return s.prefix + "schedules_due" }

func wrap(op string, err error) error {
	return fmt.Errorf("conveyor/redis: %s: %w", op, err)
}

// micros encodes t as Unix microseconds.
func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func microsPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return micros(*t)
}

func parseMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func parseMicrosPtr(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil //nolint:nilnil // absent timestamp
	}
	t, err := parseMicros(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// pairs turns a flat HGETALL reply into a map.
func pairs(reply any) (map[string]string, error) {
	list, ok := reply.([]any)
	if !ok || len(list)%2 != 0 {
		return nil, fmt.Errorf("unexpected reply %T", reply)
	}
	m := make(map[string]string, len(list)/2)
	for i := 0; i < len(list); i += 2 {
		k, _ := list[i].(string)
		v, _ := list[i+1].(string)
		m[k] = v
	}
	return m, nil
}
