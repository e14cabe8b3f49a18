// Package cron turns cron expressions into jobs.
//
// A [Schedule] pairs an expression (5-field cron or a descriptor such as
// "@hourly" or "@every 30s") and an optional IANA timezone with a job
// [Template]. The [Scheduler] checks the store every interval, and for each
// enabled schedule whose next_run_at has passed it:
//
//  1. computes the next fire time strictly after now, skipping any fire
//     times missed while no scheduler was running;
//  2. advances next_run_at with a compare-and-set, so concurrent scheduler
//     instances never materialize the same fire time twice;
//  3. enqueues the template job if it won the advance.
//
// # Registering a Schedule
//
//	cron.Register(ctx, scheduler, &cron.Definition[ReportInput]{
//	    Name:       "nightly-sales-report",
//	    Expression: "0 2 * * *",
//	    Timezone:   "Europe/Berlin",
//	    JobType:    "generate_report",
//	    Payload:    ReportInput{Kind: "sales"},
//	})
//
// Registration is idempotent by name. Schedules can be enabled, disabled
// and deleted at runtime through the admin API.
//
// One-shot jobs need no schedule: enqueue with job.WithRunAt or
// job.WithDelay.
package cron
