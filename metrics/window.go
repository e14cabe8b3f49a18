package metrics

import (
	"math"
	"sort"
	"time"
)

// ──────────────────────────────────────────────────
// Rolling window
// ──────────────────────────────────────────────────

type tally struct {
	enqueued  int64
	leased    int64
	succeeded int64
	failed    int64
}

func (t *tally) add(o tally) {
	t.enqueued += o.enqueued
	t.leased += o.leased
	t.succeeded += o.succeeded
	t.failed += o.failed
}

type slot struct {
	sec int64
	tally
}

// window is a ring of one-second tallies.
type window struct {
	slots []slot
}

func newWindow(d time.Duration) *window {
	n := int(d / time.Second)
	if n < 1 {
		n = 1
	}
	return &window{slots: make([]slot, n)}
}

func (w *window) at(now time.Time) *tally {
	sec := now.Unix()
	s := &w.slots[int(sec%int64(len(w.slots)))]
	if s.sec != sec {
		*s = slot{sec: sec}
	}
	return &s.tally
}

func (w *window) sum(now time.Time) tally {
	var out tally
	oldest := now.Unix() - int64(len(w.slots)) + 1
	for _, s := range w.slots {
		if s.sec >= oldest && s.sec <= now.Unix() {
			out.add(s.tally)
		}
	}
	return out
}

func (w *window) span() time.Duration { return time.Duration(len(w.slots)) * time.Second }

// ──────────────────────────────────────────────────
// Latency histogram
// ──────────────────────────────────────────────────

// DefaultBuckets are the latency bucket upper bounds in seconds.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

type histogram struct {
	bounds []float64
	counts []uint64 // per bucket, len(bounds)+1 with +Inf last
	sum    float64
	count  uint64
}

func newHistogram(bounds []float64) *histogram {
	return &histogram{bounds: bounds, counts: make([]uint64, len(bounds)+1)}
}

func (h *histogram) observe(seconds float64) {
	i := sort.SearchFloat64s(h.bounds, seconds)
	h.counts[i]++
	h.sum += seconds
	h.count++
}

// cumulative returns upper bound to cumulative count, as Prometheus wants.
func (h *histogram) cumulative() map[float64]uint64 {
	out := make(map[float64]uint64, len(h.bounds))
	var acc uint64
	for i, b := range h.bounds {
		acc += h.counts[i]
		out[b] = acc
	}
	return out
}

// quantile estimates q by linear interpolation inside the bucket that
// contains it. Observations above the last bound report the last bound.
func (h *histogram) quantile(q float64) float64 {
	if h.count == 0 {
		return 0
	}
	rank := q * float64(h.count)
	var acc float64
	for i, c := range h.counts {
		prev := acc
		acc += float64(c)
		if acc < rank || c == 0 {
			continue
		}
		if i == len(h.bounds) {
			return h.bounds[len(h.bounds)-1]
		}
		lower := 0.0
		if i > 0 {
			lower = h.bounds[i-1]
		}
		frac := (rank - prev) / float64(c)
		return lower + (h.bounds[i]-lower)*math.Max(0, math.Min(1, frac))
	}
	return h.bounds[len(h.bounds)-1]
}

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }
