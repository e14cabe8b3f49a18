package dlq

import (
	"time"

	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// Entry is the administrative view of a dead-lettered job.
type Entry struct {
	JobID       id.JobID     `json:"job_id"`
	Type        string       `json:"job_type"`
	Queue       string       `json:"queue"`
	Priority    job.Priority `json:"priority"`
	Payload     []byte       `json:"payload"`
	Error       string       `json:"error"`
	Attempts    int          `json:"attempts"`
	MaxAttempts int          `json:"max_attempts"`
	CreatedAt   time.Time    `json:"created_at"`
	FailedAt    time.Time    `json:"failed_at"`
}

// EntryFromJob builds an Entry from a dead-lettered job.
func EntryFromJob(j *job.Job) *Entry {
	failed := j.UpdatedAt
	if j.CompletedAt != nil {
		failed = *j.CompletedAt
	}
	return &Entry{
		JobID:       j.ID,
		Type:        j.Type,
		Queue:       j.Queue,
		Priority:    j.Priority,
		Payload:     j.Payload,
		Error:       j.LastError,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		FailedAt:    failed,
	}
}
