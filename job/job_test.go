package job_test

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/rcommerce/conveyor"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   job.Status
		terminal bool
		waiting  bool
	}{
		{job.StatusPending, false, true},
		{job.StatusLeased, false, false},
		{job.StatusRetrying, false, true},
		{job.StatusSucceeded, true, false},
		{job.StatusFailed, true, false},
		{job.StatusDeadLettered, true, false},
		{job.StatusCancelled, true, false},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.Waiting(); got != tt.waiting {
			t.Errorf("%s.Waiting() = %v, want %v", tt.status, got, tt.waiting)
		}
	}
}

func TestPriorityText(t *testing.T) {
	data, err := json.Marshal(struct {
		P job.Priority `json:"p"`
	}{job.PriorityHigh})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"p":"high"}` {
		t.Errorf("got %s", data)
	}

	var p job.Priority
	if err := p.UnmarshalText([]byte("LOW")); err != nil || p != job.PriorityLow {
		t.Errorf("UnmarshalText(LOW) = %v, %v", p, err)
	}
	if _, err := job.ParsePriority("urgent"); err == nil {
		t.Error("expected unknown priority to fail")
	}
}

func TestLessOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(name string, p job.Priority, avail time.Time) *job.Job {
		j := &job.Job{ID: id.NewJobID(), Type: name, Priority: p, AvailableAt: avail}
		j.CreatedAt = base
		return j
	}

	jobs := []*job.Job{
		mk("low-early", job.PriorityLow, base.Add(-time.Hour)),
		mk("normal-late", job.PriorityNormal, base),
		mk("high", job.PriorityHigh, base),
		mk("normal-early", job.PriorityNormal, base.Add(-time.Minute)),
	}
	sort.Slice(jobs, func(i, k int) bool { return job.Less(jobs[i], jobs[k]) })

	want := []string{"high", "normal-early", "normal-late", "low-early"}
	for i, w := range want {
		if jobs[i].Type != w {
			t.Errorf("position %d = %s, want %s", i, jobs[i].Type, w)
		}
	}
}

func TestEligible(t *testing.T) {
	now := time.Now()
	j := &job.Job{Status: job.StatusPending, AvailableAt: now.Add(time.Second), MaxAttempts: 3}
	if j.Eligible(now) {
		t.Error("future available_at must not be eligible")
	}
	j.AvailableAt = now
	if !j.Eligible(now) {
		t.Error("available_at == now must be eligible")
	}
	j.Attempts = 3
	if j.Eligible(now) {
		t.Error("exhausted job must not be eligible")
	}
}

func TestValidate(t *testing.T) {
	valid := &job.Job{ID: id.NewJobID(), Type: "t", Queue: "q", Priority: job.PriorityNormal, MaxAttempts: 1}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid job rejected: %v", err)
	}

	bad := valid.Clone()
	bad.MaxAttempts = 0
	if err := bad.Validate(); !errors.Is(err, conveyor.ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob, got %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	exp := time.Now()
	j := &job.Job{Payload: []byte("abc"), LeaseExpiresAt: &exp}
	cp := j.Clone()
	cp.Payload[0] = 'x'
	*cp.LeaseExpiresAt = exp.Add(time.Hour)

	if string(j.Payload) != "abc" || !j.LeaseExpiresAt.Equal(exp) {
		t.Error("clone shares state with original")
	}
}

func TestOptionsAvailableAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	o := job.DefaultOptions()
	if got := o.AvailableAt(now); !got.Equal(now) {
		t.Errorf("default = %v, want now", got)
	}

	job.WithDelay(time.Minute)(&o)
	if got := o.AvailableAt(now); !got.Equal(now.Add(time.Minute)) {
		t.Errorf("delay = %v", got)
	}

	at := now.Add(time.Hour)
	job.WithRunAt(at)(&o)
	if got := o.AvailableAt(now); !got.Equal(at) {
		t.Errorf("run at should win over delay, got %v", got)
	}
}
