package conveyor_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rcommerce/conveyor"
)

func TestPermanent(t *testing.T) {
	base := errors.New("card declined")
	err := fmt.Errorf("charge: %w", conveyor.Permanent(base))

	if !conveyor.IsPermanent(err) {
		t.Fatal("expected wrapped permanent error to be detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected permanent error to unwrap to base")
	}
	if conveyor.IsPermanent(base) {
		t.Fatal("plain errors must be retryable")
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := conveyor.RetryAfter(errors.New("429"), 7*time.Second)
	d, ok := conveyor.RetryAfterHint(err)
	if !ok || d != 7*time.Second {
		t.Fatalf("got (%v, %v), want (7s, true)", d, ok)
	}
	if _, ok := conveyor.RetryAfterHint(errors.New("x")); ok {
		t.Fatal("plain error should carry no hint")
	}
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	if !errors.Is(&conveyor.TimeoutError{Timeout: time.Second}, conveyor.ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
	if !errors.Is(&conveyor.LeaseExpiredError{JobID: "job_x", Token: "t"}, conveyor.ErrLeaseExpired) {
		t.Error("LeaseExpiredError should match ErrLeaseExpired")
	}
}

func TestTransient(t *testing.T) {
	if conveyor.Transient("lease", nil) != nil {
		t.Fatal("nil stays nil")
	}

	err := conveyor.Transient("lease", errors.New("connection reset"))
	if !conveyor.IsTransient(err) {
		t.Fatal("expected transient backend error")
	}

	notFound := conveyor.Transient("get", fmt.Errorf("load: %w", conveyor.ErrJobNotFound))
	if conveyor.IsTransient(notFound) {
		t.Fatal("domain errors must not be wrapped as transient")
	}

	twice := conveyor.Transient("ack", err)
	if twice != err {
		t.Fatal("expected transient error not to be double wrapped")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := conveyor.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg.HeartbeatInterval = cfg.LeaseDuration
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected heartbeat >= lease to be rejected")
	}

	for name, mutate := range map[string]func(*conveyor.Config){
		"reclaim interval":   func(c *conveyor.Config) { c.ReclaimInterval = 0 },
		"scheduler interval": func(c *conveyor.Config) { c.SchedulerInterval = -time.Second },
	} {
		cfg := conveyor.DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), name) {
			t.Errorf("%s: got %v, want rejection", name, err)
		}
	}
}
