package conveyor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("conveyor: no store configured")
	ErrStoreClosed     = errors.New("conveyor: store closed")
	ErrMigrationFailed = errors.New("conveyor: migration failed")
	ErrNotBuilt        = errors.New("conveyor: dispatcher has no runners attached")

	// Not found errors.
	ErrJobNotFound      = errors.New("conveyor: job not found")
	ErrScheduleNotFound = errors.New("conveyor: schedule not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("conveyor: job already exists")
	ErrDuplicateSchedule = errors.New("conveyor: duplicate schedule")

	// State errors.
	ErrInvalidState = errors.New("conveyor: invalid state transition")
	ErrLeaseExpired = errors.New("conveyor: lease expired")
	ErrInvalidJob   = errors.New("conveyor: invalid job")

	// Admission errors.
	ErrBackpressure = errors.New("conveyor: queue at capacity")
	ErrJobDropped   = errors.New("conveyor: job dropped by overflow policy")

	// Execution errors.
	ErrUnknownJobType = errors.New("conveyor: no handler registered for job type")
	ErrTimeout        = errors.New("conveyor: job timed out")
	ErrShutdown       = errors.New("conveyor: worker shut down before job finished")
)

// HandlerError is returned by handlers that want to steer the retry
// decision. Plain errors are treated as retryable.
type HandlerError struct {
	Err        error
	Retryable  bool
	RetryAfter time.Duration
}

func (e *HandlerError) Error() string {
	if e.Err == nil {
		return "conveyor: handler error"
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable: the job is dead-lettered on the
// first failure.
func Permanent(err error) error {
	return &HandlerError{Err: err, Retryable: false}
}

// Retryable marks err as retryable.
func Retryable(err error) error {
	return &HandlerError{Err: err, Retryable: true}
}

// RetryAfter marks err as retryable no sooner than d from now.
func RetryAfter(err error, d time.Duration) error {
	return &HandlerError{Err: err, Retryable: true, RetryAfter: d}
}

// IsPermanent reports whether err, or any error it wraps, is a
// non-retryable HandlerError.
func IsPermanent(err error) bool {
	var he *HandlerError
	if errors.As(err, &he) {
		return !he.Retryable
	}
	return false
}

// RetryAfterHint returns the delay requested by a HandlerError, if any.
func RetryAfterHint(err error) (time.Duration, bool) {
	var he *HandlerError
	if errors.As(err, &he) && he.Retryable && he.RetryAfter > 0 {
		return he.RetryAfter, true
	}
	return 0, false
}

// TimeoutError is recorded when a handler exceeds the job's timeout. It is
// always retryable.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("conveyor: job exceeded timeout of %s", e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// LeaseExpiredError is returned when an acknowledge, fail or extend call
// presents a lease that no longer holds the job. Another worker may
// already own it.
type LeaseExpiredError struct {
	JobID string
	Token string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("conveyor: lease %s on job %s expired", e.Token, e.JobID)
}

func (e *LeaseExpiredError) Is(target error) bool { return target == ErrLeaseExpired }

// TransientBackendError wraps a failure of the durable backend. Callers
// may retry the operation.
type TransientBackendError struct {
	Op  string
	Err error
}

func (e *TransientBackendError) Error() string {
	return fmt.Sprintf("conveyor: backend %s: %v", e.Op, e.Err)
}

func (e *TransientBackendError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientBackendError unless it is nil or
// already one of the domain errors above.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var tb *TransientBackendError
	if errors.As(err, &tb) || isDomainError(err) {
		return err
	}
	return &TransientBackendError{Op: op, Err: err}
}

// IsTransient reports whether err is a backend failure worth retrying.
func IsTransient(err error) bool {
	var tb *TransientBackendError
	return errors.As(err, &tb)
}

func isDomainError(err error) bool {
	for _, target := range []error{
		ErrJobNotFound, ErrScheduleNotFound, ErrJobAlreadyExists,
		ErrDuplicateSchedule, ErrInvalidState, ErrLeaseExpired,
		ErrInvalidJob, ErrBackpressure, ErrJobDropped,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
