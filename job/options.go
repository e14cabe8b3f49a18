package job

import "time"

// Options configures per-job behavior such as attempts, queue and priority.
// Definitions carry a set of defaults that Enqueue options override.
type Options struct {
	// MaxAttempts is the total number of leases a job may receive before it
	// is dead-lettered. It includes the first run.
	MaxAttempts int

	// Queue is the queue name this job is enqueued to.
	Queue string

	// Priority determines lease ordering within the queue.
	Priority Priority

	// Timeout is the maximum duration a handler may run. Zero means no
	// per-job deadline.
	Timeout time.Duration

	// RunAt is the earliest time the job may be leased. Zero means now.
	RunAt time.Time

	// Delay defers the job relative to enqueue time. RunAt wins when both
	// are set.
	Delay time.Duration

	// Codec encodes typed payloads. Nil means JSON.
	Codec Codec
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		Queue:       "default",
		Priority:    PriorityNormal,
		Timeout:     5 * time.Minute,
		Codec:       JSON,
	}
}

// AvailableAt resolves RunAt and Delay against now.
func (o Options) AvailableAt(now time.Time) time.Time {
	switch {
	case !o.RunAt.IsZero():
		return o.RunAt.UTC()
	case o.Delay > 0:
		return now.Add(o.Delay)
	}
	return now
}

// Option is a functional option for configuring a job or definition.
type Option func(*Options)

// WithMaxAttempts sets the attempt budget, first run included.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithQueue sets the queue name for the job.
func WithQueue(q string) Option {
	return func(o *Options) { o.Queue = q }
}

// WithPriority sets the job priority.
func WithPriority(p Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRunAt schedules the job for a specific time.
func WithRunAt(t time.Time) Option {
	return func(o *Options) { o.RunAt = t }
}

// WithDelay schedules the job d after it is enqueued.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithCodec sets the payload codec of a definition.
func WithCodec(c Codec) Option {
	return func(o *Options) { o.Codec = c }
}
