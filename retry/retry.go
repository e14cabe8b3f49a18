// Package retry decides what happens to a job after a failed attempt:
// retry after a delay, or dead-letter.
//
// All built-in policies are stateless and safe for concurrent use.
package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/rcommerce/conveyor"
)

// Decision is the outcome of applying a policy to a failure.
type Decision struct {
	ShouldRetry  bool
	Delay        time.Duration
	IsDeadLetter bool
}

// Discard is the decision that terminates a job as failed without
// dead-lettering it. Only custom policies produce it.
var Discard = Decision{}

// Policy computes the retry decision after a failure. attempts is the
// number of leases the job has received so far, including the one that
// just failed.
type Policy interface {
	Decide(attempts, maxAttempts int, err error) Decision
}

// Decide applies policy to a failure and enforces the attempt budget:
// whatever the policy answers, a job with attempts >= maxAttempts is never
// retried.
func Decide(attempts, maxAttempts int, policy Policy, err error) Decision {
	if policy == nil {
		policy = Default()
	}
	d := policy.Decide(attempts, maxAttempts, err)
	if d.ShouldRetry && attempts >= maxAttempts {
		return Decision{IsDeadLetter: true}
	}
	if d.ShouldRetry {
		d.IsDeadLetter = false
		if d.Delay < 0 {
			d.Delay = 0
		}
	}
	return d
}

// decide is shared by the built-in policies. Permanent handler errors and
// exhausted budgets dead-letter; a Retry-After hint overrides delay.
func decide(attempts, maxAttempts int, err error, delay func(int) time.Duration) Decision {
	if attempts >= maxAttempts || conveyor.IsPermanent(err) {
		return Decision{IsDeadLetter: true}
	}
	if hint, ok := conveyor.RetryAfterHint(err); ok {
		return Decision{ShouldRetry: true, Delay: hint}
	}
	return Decision{ShouldRetry: true, Delay: delay(attempts)}
}

// ──────────────────────────────────────────────────
// Fixed
// ──────────────────────────────────────────────────

// Fixed waits the same delay before every retry.
type Fixed struct {
	Delay time.Duration
}

// Decide implements Policy.
func (f Fixed) Decide(attempts, maxAttempts int, err error) Decision {
	return decide(attempts, maxAttempts, err, func(int) time.Duration { return f.Delay })
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear grows the delay with the attempt count.
// Delay = min(Initial * attempts, Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// Decide implements Policy.
func (l Linear) Decide(attempts, maxAttempts int, err error) Decision {
	return decide(attempts, maxAttempts, err, func(n int) time.Duration {
		d := l.Initial * time.Duration(n)
		if l.Max > 0 && d > l.Max {
			return l.Max
		}
		return d
	})
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential multiplies the delay on every attempt and adds symmetric
// jitter. Delay = min(Base * Multiplier^(attempts-1), MaxDelay) ± JitterFraction,
// clamped to [0, MaxDelay].
type Exponential struct {
	Base           time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	JitterFraction float64
}

// BaseDelay returns the un-jittered delay for the given attempt count. It
// never decreases as attempts grow and never exceeds MaxDelay.
func (e Exponential) BaseDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(e.Base) * math.Pow(mult, float64(attempts-1))
	if e.MaxDelay > 0 && (d > float64(e.MaxDelay) || math.IsInf(d, 0)) {
		return e.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns BaseDelay with jitter applied.
func (e Exponential) Delay(attempts int) time.Duration {
	base := e.BaseDelay(attempts)
	if e.JitterFraction <= 0 {
		return base
	}
	spread := float64(base) * e.JitterFraction
	d := float64(base) + (rand.Float64()*2-1)*spread //nolint:gosec // jitter does not need crypto rand
	if d < 0 {
		d = 0
	}
	if e.MaxDelay > 0 && d > float64(e.MaxDelay) {
		d = float64(e.MaxDelay)
	}
	return time.Duration(d)
}

// Decide implements Policy.
func (e Exponential) Decide(attempts, maxAttempts int, err error) Decision {
	return decide(attempts, maxAttempts, err, e.Delay)
}

// ──────────────────────────────────────────────────
// Custom
// ──────────────────────────────────────────────────

// Custom lets the caller decide from the attempt count and the error, for
// instance honoring a third party's Retry-After or discarding obsolete
// work with Discard.
type Custom func(attempts, maxAttempts int, err error) Decision

// Decide implements Policy.
func (c Custom) Decide(attempts, maxAttempts int, err error) Decision {
	return c(attempts, maxAttempts, err)
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// Default returns the policy used when none is configured: exponential from
// 1s, doubling, capped at 1m, with 20% jitter.
func Default() Policy {
	return Exponential{
		Base:           time.Second,
		Multiplier:     2,
		MaxDelay:       time.Minute,
		JitterFraction: 0.2,
	}
}
