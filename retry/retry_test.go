package retry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/retry"
)

var errBoom = errors.New("boom")

func TestFixed_RetriesUntilBudget(t *testing.T) {
	p := retry.Fixed{Delay: time.Second}

	tests := []struct {
		attempts int
		want     retry.Decision
	}{
		{1, retry.Decision{ShouldRetry: true, Delay: time.Second}},
		{2, retry.Decision{ShouldRetry: true, Delay: time.Second}},
		{3, retry.Decision{IsDeadLetter: true}},
		{4, retry.Decision{IsDeadLetter: true}},
	}
	for _, tt := range tests {
		if got := retry.Decide(tt.attempts, 3, p, errBoom); got != tt.want {
			t.Errorf("Decide(%d, 3) = %+v, want %+v", tt.attempts, got, tt.want)
		}
	}
}

func TestLinear_GrowsAndCaps(t *testing.T) {
	p := retry.Linear{Initial: time.Second, Max: 3 * time.Second}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 3 * time.Second},
	}
	for _, tt := range tests {
		if got := retry.Decide(tt.attempts, 10, p, errBoom).Delay; got != tt.want {
			t.Errorf("attempt %d: delay %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestExponential_BaseDelay(t *testing.T) {
	e := retry.Exponential{Base: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
		{5000, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := e.BaseDelay(tt.attempts); got != tt.want {
			t.Errorf("BaseDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestExponential_MonotoneAndCapped(t *testing.T) {
	e := retry.Exponential{Base: 250 * time.Millisecond, Multiplier: 1.7, MaxDelay: 45 * time.Second}

	prev := time.Duration(0)
	for n := 1; n <= 200; n++ {
		d := e.BaseDelay(n)
		if d < prev {
			t.Fatalf("BaseDelay(%d) = %v decreased from %v", n, d, prev)
		}
		if d > e.MaxDelay {
			t.Fatalf("BaseDelay(%d) = %v exceeds max %v", n, d, e.MaxDelay)
		}
		prev = d
	}
}

func TestExponential_JitterBounds(t *testing.T) {
	e := retry.Exponential{Base: time.Second, Multiplier: 2, MaxDelay: time.Minute, JitterFraction: 0.2}

	for i := 0; i < 1000; i++ {
		d := e.Delay(3)
		if d < 3200*time.Millisecond || d > 4800*time.Millisecond {
			t.Fatalf("Delay(3) = %v outside 4s ± 20%%", d)
		}
	}
	for i := 0; i < 1000; i++ {
		if d := e.Delay(20); d > time.Minute {
			t.Fatalf("jittered delay %v exceeds max", d)
		}
	}
}

func TestDecide_PermanentErrorDeadLetters(t *testing.T) {
	got := retry.Decide(1, 5, retry.Default(), conveyor.Permanent(errBoom))
	if got.ShouldRetry || !got.IsDeadLetter {
		t.Errorf("permanent error: %+v", got)
	}
}

func TestDecide_TimeoutIsRetryable(t *testing.T) {
	got := retry.Decide(1, 5, retry.Fixed{Delay: time.Second}, &conveyor.TimeoutError{Timeout: time.Second})
	if !got.ShouldRetry {
		t.Errorf("timeout should be retried: %+v", got)
	}
}

func TestDecide_RetryAfterOverridesDelay(t *testing.T) {
	got := retry.Decide(1, 5, retry.Fixed{Delay: time.Second}, conveyor.RetryAfter(errBoom, 90*time.Second))
	if !got.ShouldRetry || got.Delay != 90*time.Second {
		t.Errorf("got %+v, want retry after 90s", got)
	}
}

func TestCustom_CanDiscard(t *testing.T) {
	errObsolete := errors.New("order already shipped")
	p := retry.Custom(func(attempts, maxAttempts int, err error) retry.Decision {
		if errors.Is(err, errObsolete) {
			return retry.Discard
		}
		return retry.Decision{ShouldRetry: true, Delay: time.Duration(attempts) * time.Second}
	})

	if got := retry.Decide(1, 3, p, errObsolete); got != retry.Discard {
		t.Errorf("expected discard, got %+v", got)
	}
	if got := retry.Decide(2, 3, p, errBoom); !got.ShouldRetry || got.Delay != 2*time.Second {
		t.Errorf("expected retry in 2s, got %+v", got)
	}
}

func TestCustom_CannotExceedBudget(t *testing.T) {
	always := retry.Custom(func(int, int, error) retry.Decision {
		return retry.Decision{ShouldRetry: true, Delay: time.Second}
	})

	got := retry.Decide(3, 3, always, errBoom)
	if got.ShouldRetry || !got.IsDeadLetter {
		t.Errorf("budget must win over custom policy: %+v", got)
	}
}
