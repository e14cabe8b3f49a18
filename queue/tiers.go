package queue

import (
	"sync"

	"github.com/rcommerce/conveyor/job"
)

// TierSelector decides the order in which priority tiers are tried for a
// lease. A nil result means a single lease attempt across all tiers,
// highest first.
type TierSelector interface {
	Next(queue string) []job.Priority
}

// StrictPriority always serves the highest non-empty tier. Low-priority
// jobs wait as long as higher tiers have eligible work.
type StrictPriority struct{}

// Next implements TierSelector.
func (StrictPriority) Next(string) []job.Priority { return nil }

// WeightedRoundRobin shares lease attempts between tiers in proportion to
// their weights using smooth weighted round-robin, so a busy High tier
// cannot starve Low indefinitely. If the chosen tier is empty the others
// are tried in priority order.
type WeightedRoundRobin struct {
	weights map[job.Priority]int

	mu      sync.Mutex
	current map[string]map[job.Priority]int
}

// NewWeightedRoundRobin creates a selector. Tiers missing from weights, or
// with a non-positive weight, get weight 1.
func NewWeightedRoundRobin(weights map[job.Priority]int) *WeightedRoundRobin {
	w := make(map[job.Priority]int, len(job.Priorities))
	for _, p := range job.Priorities {
		w[p] = 1
		if v, ok := weights[p]; ok && v > 0 {
			w[p] = v
		}
	}
	return &WeightedRoundRobin{
		weights: w,
		current: make(map[string]map[job.Priority]int),
	}
}

// DefaultWeights favours High 6:3:1 over Normal and Low.
func DefaultWeights() map[job.Priority]int {
	return map[job.Priority]int{
		job.PriorityHigh:   6,
		job.PriorityNormal: 3,
		job.PriorityLow:    1,
	}
}

// Next implements TierSelector.
func (w *WeightedRoundRobin) Next(queue string) []job.Priority {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur := w.current[queue]
	if cur == nil {
		cur = make(map[job.Priority]int, len(job.Priorities))
		w.current[queue] = cur
	}

	total := 0
	var best job.Priority
	bestSet := false
	for _, p := range job.Priorities {
		cur[p] += w.weights[p]
		total += w.weights[p]
		if !bestSet || cur[p] > cur[best] {
			best, bestSet = p, true
		}
	}
	cur[best] -= total

	order := make([]job.Priority, 0, len(job.Priorities))
	order = append(order, best)
	for _, p := range job.Priorities {
		if p != best {
			order = append(order, p)
		}
	}
	return order
}
