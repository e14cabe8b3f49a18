package metrics

import (
	"fmt"
	"sort"
	"time"
)

// RuleKind selects the measurement a Rule compares against its threshold.
type RuleKind string

const (
	// DepthAbove fires when pending plus retrying jobs exceed Threshold.
	DepthAbove RuleKind = "depth_above"
	// FailureRateAbove fires when the windowed failure rate exceeds
	// Threshold (0..1) and at least MinSamples attempts finished.
	FailureRateAbove RuleKind = "failure_rate_above"
	// DeadLetterAbove fires when dead-lettered jobs exceed Threshold.
	DeadLetterAbove RuleKind = "dead_letter_above"
)

// Rule is a threshold alert. An empty Queue means all queues.
type Rule struct {
	Name       string   `json:"name"`
	Kind       RuleKind `json:"kind"`
	Queue      string   `json:"queue,omitempty"`
	Threshold  float64  `json:"threshold"`
	MinSamples int64    `json:"min_samples,omitempty"`
}

// Validate checks the rule is well formed.
func (r Rule) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("metrics: rule name is required")
	case r.Threshold < 0:
		return fmt.Errorf("metrics: rule %q: threshold must not be negative", r.Name)
	}
	switch r.Kind {
	case DepthAbove, DeadLetterAbove:
	case FailureRateAbove:
		if r.Threshold > 1 {
			return fmt.Errorf("metrics: rule %q: failure rate threshold must be within 0..1", r.Name)
		}
	default:
		return fmt.Errorf("metrics: rule %q: unknown kind %q", r.Name, r.Kind)
	}
	return nil
}

// measure returns the observed value and whether enough data exists to
// judge the rule.
func (r Rule) measure(s Snapshot) (float64, bool) {
	q := s.Global
	if r.Queue != "" {
		q = s.Queue(r.Queue)
	}
	switch r.Kind {
	case DepthAbove:
		if q.Depth == nil {
			return 0, false
		}
		return float64(q.Waiting()), true
	case FailureRateAbove:
		if q.Samples == 0 || q.Samples < r.MinSamples {
			return q.FailureRate, false
		}
		return q.FailureRate, true
	case DeadLetterAbove:
		return float64(q.DeadLetters), true
	}
	return 0, false
}

// Alert is the state of a rule at evaluation time.
type Alert struct {
	Rule   Rule      `json:"rule"`
	Value  float64   `json:"value"`
	Firing bool      `json:"firing"`
	Since  time.Time `json:"since"`
}

// AddRule registers an alert rule. Rules are keyed by name; adding a rule
// with an existing name replaces it.
func (c *Collector) AddRule(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.rules {
		if existing.Name == r.Name {
			c.rules[i] = r
			return nil
		}
	}
	c.rules = append(c.rules, r)
	return nil
}

// Rules returns the registered rules.
func (c *Collector) Rules() []Rule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Rule(nil), c.rules...)
}

// Evaluate checks every rule against the current state and returns the
// firing alerts ordered by rule name. The OnAlert callback, if any, sees
// each transition into or out of the firing state, outside the lock.
func (c *Collector) Evaluate() []Alert {
	now := c.now()
	c.mu.Lock()
	snap := c.snapshotLocked(now)

	var transitions []Alert
	for _, r := range c.rules {
		value, judged := r.measure(snap)
		prev, wasFiring := c.firing[r.Name]
		firing := judged && value > r.Threshold

		switch {
		case firing && !wasFiring:
			a := Alert{Rule: r, Value: value, Firing: true, Since: now}
			c.firing[r.Name] = a
			transitions = append(transitions, a)
		case firing:
			prev.Value = value
			c.firing[r.Name] = prev
		case wasFiring:
			delete(c.firing, r.Name)
			transitions = append(transitions, Alert{Rule: r, Value: value, Firing: false, Since: now})
		}
	}

	out := make([]Alert, 0, len(c.firing))
	for _, a := range c.firing {
		out = append(out, a)
	}
	onAlert := c.onAlert
	c.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].Rule.Name < out[k].Rule.Name })
	if onAlert != nil {
		for _, a := range transitions {
			onAlert(a)
		}
	}
	return out
}
