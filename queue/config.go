package queue

import (
	"fmt"
	"strings"
	"time"
)

// OverflowPolicy decides what Enqueue does when a queue is at MaxDepth.
type OverflowPolicy int

const (
	// Block waits up to BlockTimeout for room, then fails with
	// conveyor.ErrBackpressure.
	Block OverflowPolicy = iota
	// DropNewest rejects the incoming job with conveyor.ErrJobDropped.
	DropNewest
	// DropOldest cancels the oldest waiting job and accepts the new one.
	DropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	case DropNewest:
		return "drop_newest"
	case DropOldest:
		return "drop_oldest"
	}
	return fmt.Sprintf("overflow(%d)", int(p))
}

// ParseOverflowPolicy accepts "block", "drop_newest" or "drop_oldest".
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")) {
	case "", "block":
		return Block, nil
	case "drop_newest":
		return DropNewest, nil
	case "drop_oldest":
		return DropOldest, nil
	}
	return Block, fmt.Errorf("queue: unknown overflow policy %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler so config files can
// name the policy.
func (p *OverflowPolicy) UnmarshalText(data []byte) error {
	parsed, err := ParseOverflowPolicy(string(data))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p OverflowPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Config defines per-queue admission and throughput limits.
type Config struct {
	// Name is the queue identifier (must match the job.Queue field).
	Name string

	// MaxConcurrency limits how many jobs from this queue may be leased at
	// once by this process. Zero means no queue-specific limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained leases per second. Zero disables
	// rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst. Defaults to 1 when RateLimit is
	// set.
	RateBurst int

	// MaxDepth bounds the number of waiting jobs. Zero means unbounded.
	MaxDepth int64

	// Overflow applies when MaxDepth is reached.
	Overflow OverflowPolicy

	// BlockTimeout is how long a Block enqueue waits for room.
	BlockTimeout time.Duration
}
