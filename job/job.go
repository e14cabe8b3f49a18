package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job waits for its available_at to pass and a
	// worker to lease it.
	StatusPending Status = "pending"
	// StatusLeased means a worker holds an exclusive, time-bounded lease.
	StatusLeased Status = "leased"
	// StatusSucceeded means the handler completed and the job was acknowledged.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the job failed and the retry policy chose to
	// discard it rather than dead-letter it.
	StatusFailed Status = "failed"
	// StatusRetrying means the job failed and waits for its retry delay.
	StatusRetrying Status = "retrying"
	// StatusDeadLettered means retries were exhausted or the error was
	// permanent. The job is kept for inspection and manual requeue.
	StatusDeadLettered Status = "dead_lettered"
	// StatusCancelled means the job was withdrawn before a worker ran it.
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status, in lifecycle order.
var Statuses = []Status{
	StatusPending, StatusLeased, StatusRetrying,
	StatusSucceeded, StatusFailed, StatusDeadLettered, StatusCancelled,
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDeadLettered, StatusCancelled:
		return true
	}
	return false
}

// Waiting reports whether a job in this status can be leased once its
// available_at has passed.
func (s Status) Waiting() bool {
	return s == StatusPending || s == StatusRetrying
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Priority orders jobs within a queue. Higher values are leased first.
// The zero value means "unset" and resolves to PriorityNormal on enqueue.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
)

// Priorities lists the tiers from highest to lowest.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the three tiers.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// ParsePriority accepts "high", "normal" or "low" in any case.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("job: unknown priority %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	if p == 0 {
		return []byte{}, nil
	}
	if !p.Valid() {
		return nil, fmt.Errorf("job: invalid priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(data []byte) error {
	parsed, err := ParsePriority(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Job represents a unit of work to be processed by a worker.
type Job struct {
	conveyor.Entity

	ID             id.JobID      `json:"id"`
	Type           string        `json:"job_type"`
	Queue          string        `json:"queue"`
	Payload        []byte        `json:"payload"`
	Priority       Priority      `json:"priority"`
	Status         Status        `json:"status"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	AvailableAt    time.Time     `json:"available_at"`
	LeaseExpiresAt *time.Time    `json:"lease_expires_at,omitempty"`
	LeasedBy       id.WorkerID   `json:"leased_by,omitempty"`
	LeaseToken     string        `json:"lease_token,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Eligible reports whether the job may be leased at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status.Waiting() && !j.AvailableAt.After(now) && j.Attempts < j.MaxAttempts
}

// AttemptsExhausted reports whether another lease would break the attempt
// budget.
func (j *Job) AttemptsExhausted() bool { return j.Attempts >= j.MaxAttempts }

// Validate checks the fields a producer must supply.
func (j *Job) Validate() error {
	switch {
	case j.ID.IsNil():
		return fmt.Errorf("%w: missing id", conveyor.ErrInvalidJob)
	case j.Type == "":
		return fmt.Errorf("%w: missing job type", conveyor.ErrInvalidJob)
	case j.Queue == "":
		return fmt.Errorf("%w: missing queue", conveyor.ErrInvalidJob)
	case !j.Priority.Valid():
		return fmt.Errorf("%w: priority %d out of range", conveyor.ErrInvalidJob, int(j.Priority))
	case j.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1", conveyor.ErrInvalidJob)
	case j.Attempts < 0 || j.Attempts > j.MaxAttempts:
		return fmt.Errorf("%w: attempts %d outside [0, %d]", conveyor.ErrInvalidJob, j.Attempts, j.MaxAttempts)
	}
	return nil
}

// Clone returns a deep copy, so stores can hand out jobs without sharing
// mutable state.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Less reports whether a should be leased before b: higher priority
// first, then earlier available_at, then earlier creation.
func Less(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return id.Compare(a.ID, b.ID) < 0
}
