// Package dlq administers dead-lettered jobs.
//
// A job is dead-lettered when it exhausts max_attempts or its handler
// returns a permanent error. Dead-lettered jobs stay in the job store with
// status dead_lettered; nothing is copied elsewhere. The [Service] lists
// them as [Entry] values and supports requeue and purge:
//
//	svc := dlq.NewService(store, q)
//
//	entries, _ := svc.List(ctx, dlq.ListOpts{Queue: "emails", Limit: 50})
//	fresh, _ := svc.Requeue(ctx, entries[0].JobID)
//	purged, _ := svc.Purge(ctx, time.Now().Add(-30*24*time.Hour))
//
// Requeue enqueues a new job with the same type, payload, queue, priority
// and attempt budget. The dead-lettered original is left untouched as the
// record of what failed.
//
// The DLQ is exposed via the HTTP admin API:
//   - GET  /v1/dlq                    list entries
//   - GET  /v1/dlq/count              entry count
//   - POST /v1/dlq/{jobID}/requeue    requeue one entry
//   - POST /v1/dlq/purge              purge entries older than a cutoff
package dlq
