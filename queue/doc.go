// Package queue implements the job queue on top of a durable job.Store.
//
// [Queue] provides the operations producers and workers use:
//
//   - Enqueue persists a pending job after applying the overflow policy
//   - Lease hands the best eligible job to a worker for a bounded time
//   - Acknowledge, Fail and ExtendLease act on a held lease
//   - ReclaimExpiredLeases returns jobs abandoned by crashed workers
//   - Cancel and Depth serve the admin surface
//
// Within a queue jobs are ordered by priority, then available_at, then
// creation. [StrictPriority] always serves the highest non-empty tier;
// [WeightedRoundRobin] shares leases between tiers by weight.
//
// # Per-Queue Configuration
//
//	queue.Config{
//	    Name:           "webhooks",
//	    MaxConcurrency: 20,            // leased at once by this process
//	    RateLimit:      50,            // leases per second
//	    RateBurst:      100,
//	    MaxDepth:       100_000,
//	    Overflow:       queue.DropOldest,
//	}
//
// [Manager] enforces the rate limit (golang.org/x/time/rate) and the
// concurrency cap at lease time. MaxDepth is checked before insert and is
// therefore a soft bound under concurrent producers.
package queue
