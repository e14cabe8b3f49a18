package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// Template is the job materialized each time a schedule fires.
type Template struct {
	Type        string        `json:"job_type"`
	Payload     []byte        `json:"payload,omitempty"`
	Queue       string        `json:"queue,omitempty"`
	Priority    job.Priority  `json:"priority,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Options converts the template into enqueue options. Zero fields keep the
// registered defaults of the job type.
func (t Template) Options() []job.Option {
	var opts []job.Option
	if t.Priority != 0 {
		opts = append(opts, job.WithPriority(t.Priority))
	}
	if t.Queue != "" {
		opts = append(opts, job.WithQueue(t.Queue))
	}
	if t.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(t.MaxAttempts))
	}
	if t.Timeout > 0 {
		opts = append(opts, job.WithTimeout(t.Timeout))
	}
	return opts
}

// Schedule is a recurring job definition.
type Schedule struct {
	conveyor.Entity

	ID         id.ScheduleID `json:"id"`
	Name       string        `json:"name"`
	Expression string        `json:"expression"`
	Timezone   string        `json:"timezone,omitempty"`
	Template   Template      `json:"template"`
	Enabled    bool          `json:"enabled"`
	NextRunAt  time.Time     `json:"next_run_at"`
	LastRunAt  *time.Time    `json:"last_run_at,omitempty"`
}

// Validate checks the name, expression, timezone and template.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("cron: schedule name is required")
	}
	if s.Template.Type == "" {
		return fmt.Errorf("cron: schedule %q has no job type", s.Name)
	}
	if s.Template.Priority != 0 && !s.Template.Priority.Valid() {
		return fmt.Errorf("cron: schedule %q has invalid priority %d", s.Name, int(s.Template.Priority))
	}
	if _, err := Compile(s.Expression, s.Timezone); err != nil {
		return fmt.Errorf("cron: schedule %q: %w", s.Name, err)
	}
	return nil
}

// parser supports standard 5-field cron and descriptors like "@every 30s".
var parser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Spec is a compiled expression bound to a timezone.
type Spec struct {
	sched cronlib.Schedule
	loc   *time.Location
}

// Compile parses expr and loads tz ("" means UTC).
func Compile(expr, tz string) (*Spec, error) {
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse expression %q: %w", expr, err)
	}
	return &Spec{sched: sched, loc: loc}, nil
}

// Next returns the first fire time strictly after t, in UTC. Fire times
// that were missed before t are never returned.
func (s *Spec) Next(t time.Time) time.Time {
	return s.sched.Next(t.In(s.loc)).UTC()
}
