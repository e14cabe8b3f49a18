package cron

import "github.com/rcommerce/conveyor/job"

// Definition is a typed schedule definition. T is the payload type.
type Definition[T any] struct {
	// Name is the unique schedule name.
	Name string

	// Expression is a cron expression ("*/5 * * * *", "@hourly", "@every 30s").
	Expression string

	// Timezone is an IANA zone name. Empty means UTC.
	Timezone string

	// JobType is the registered job type enqueued on every fire.
	JobType string

	// Payload is encoded with Codec (JSON when nil) once, at registration.
	Payload T

	Codec       job.Codec
	Queue       string
	Priority    job.Priority
	MaxAttempts int
}
