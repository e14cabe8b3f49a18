package queue

import (
	"sync"
	"testing"

	"github.com/rcommerce/conveyor/job"
)

// ──────────────────────────────────────────────────
// Manager
// ──────────────────────────────────────────────────

func TestManager_UnconfiguredQueueIsUnlimited(t *testing.T) {
	m := NewManager()
	for i := 0; i < 100; i++ {
		p, ok := m.Acquire("any")
		if !ok || p != nil {
			t.Fatalf("Acquire = (%v, %v), want (nil, true)", p, ok)
		}
	}
	if got := m.Config("any"); got.Name != "any" || got.MaxDepth != 0 || got.Overflow != Block {
		t.Errorf("default config = %+v", got)
	}
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{Name: "emails", MaxConcurrency: 2})

	p1, ok1 := m.Acquire("emails")
	p2, ok2 := m.Acquire("emails")
	if !ok1 || !ok2 {
		t.Fatal("first two Acquire calls should succeed")
	}
	if _, ok := m.Acquire("emails"); ok {
		t.Fatal("third Acquire should fail at max concurrency 2")
	}
	if got := m.ActiveCount("emails"); got != 2 {
		t.Errorf("ActiveCount = %d, want 2", got)
	}

	p1.Release()
	p1.Release()
	if got := m.ActiveCount("emails"); got != 1 {
		t.Errorf("double Release must count once, ActiveCount = %d", got)
	}
	if _, ok := m.Acquire("emails"); !ok {
		t.Fatal("Acquire should succeed after Release")
	}
	p2.Refund()
}

func TestManager_RateLimitRefund(t *testing.T) {
	m := NewManager(Config{Name: "webhooks", RateLimit: 0.001, RateBurst: 1})

	p, ok := m.Acquire("webhooks")
	if !ok {
		t.Fatal("first Acquire should consume the burst token")
	}
	p.Refund()

	p, ok = m.Acquire("webhooks")
	if !ok {
		t.Fatal("refunded token should be available again")
	}
	p.Release()

	if _, ok := m.Acquire("webhooks"); ok {
		t.Fatal("released permit keeps its rate token, bucket should be empty")
	}
}

func TestManager_SetQueueConfigKeepsActive(t *testing.T) {
	m := NewManager(Config{Name: "reports", MaxConcurrency: 5})
	p, _ := m.Acquire("reports")

	m.SetQueueConfig(Config{Name: "reports", MaxConcurrency: 1})
	if _, ok := m.Acquire("reports"); ok {
		t.Fatal("active lease must count against the new limit")
	}
	p.Release()
	if _, ok := m.Acquire("reports"); !ok {
		t.Fatal("Acquire should succeed once the slot is released")
	}
}

func TestManager_ConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	const limit = 3
	m := NewManager(Config{Name: "exports", MaxConcurrency: limit})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []*Permit
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, ok := m.Acquire("exports"); ok {
				mu.Lock()
				granted = append(granted, p)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(granted) != limit {
		t.Fatalf("granted %d permits, want %d", len(granted), limit)
	}
	for _, p := range granted {
		p.Release()
	}
	if got := m.ActiveCount("exports"); got != 0 {
		t.Errorf("ActiveCount after release = %d", got)
	}
}

// ──────────────────────────────────────────────────
// Tier selection
// ──────────────────────────────────────────────────

func TestStrictPriority_SingleAttempt(t *testing.T) {
	if order := (StrictPriority{}).Next("default"); order != nil {
		t.Fatalf("StrictPriority.Next = %v, want nil", order)
	}
}

func TestWeightedRoundRobin_SharesByWeight(t *testing.T) {
	w := NewWeightedRoundRobin(DefaultWeights())

	counts := make(map[job.Priority]int)
	for i := 0; i < 100; i++ {
		order := w.Next("default")
		if len(order) != len(job.Priorities) {
			t.Fatalf("order %v must cover every tier", order)
		}
		counts[order[0]]++
	}

	want := map[job.Priority]int{job.PriorityHigh: 60, job.PriorityNormal: 30, job.PriorityLow: 10}
	for p, n := range want {
		if counts[p] != n {
			t.Errorf("%s first %d times, want %d", p, counts[p], n)
		}
	}
}

func TestWeightedRoundRobin_QueuesIndependent(t *testing.T) {
	w := NewWeightedRoundRobin(map[job.Priority]int{job.PriorityHigh: 1, job.PriorityNormal: 1, job.PriorityLow: 1})

	a := w.Next("a")[0]
	b := w.Next("b")[0]
	if a != b {
		t.Errorf("fresh queues should start on the same tier: %s vs %s", a, b)
	}
}

func TestWeightedRoundRobin_FallbackOrder(t *testing.T) {
	w := NewWeightedRoundRobin(map[job.Priority]int{job.PriorityLow: 100})

	order := w.Next("default")
	want := []job.Priority{job.PriorityLow, job.PriorityHigh, job.PriorityNormal}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestParseOverflowPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    OverflowPolicy
		wantErr bool
	}{
		{"", Block, false},
		{"block", Block, false},
		{"drop-newest", DropNewest, false},
		{"DROP_OLDEST", DropOldest, false},
		{"spill", Block, true},
	}
	for _, tt := range tests {
		got, err := ParseOverflowPolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOverflowPolicy(%q) = (%s, %v)", tt.in, got, err)
		}
	}
}
