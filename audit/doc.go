// Package audit is an extension that turns job transitions into audit
// events: the trail support staff read when an order email never went
// out or a payment capture was dead-lettered.
//
// Every hook emits an [Event] through a [Recorder]. Severity is info for
// normal operation, warning for retries and drops, critical for dead
// letters and discarded jobs.
//
//	eng, err := engine.Build(d,
//	    engine.WithExtension(audit.New(audit.LogRecorder(logger))),
//	)
//
// Restrict the trail to terminal failures:
//
//	audit.New(recorder, audit.WithActions(audit.ActionJobDeadLettered, audit.ActionJobDiscarded))
package audit
