// Package conveyor is the background job engine behind the rcommerce
// platform. Emails, inventory synchronisation, report generation, webhook
// delivery and bulk imports all run through it.
//
// Work items are persisted in a durable backend and leased by workers for a
// bounded time. A worker that crashes loses its lease, and the job becomes
// eligible again once the lease expires. Delivery is therefore at-least-once;
// handlers are expected to be idempotent.
//
// # Quick Start
//
//	d, err := conveyor.New(
//	    conveyor.WithStore(pgStore),
//	    conveyor.WithPoolSize(4),
//	    conveyor.WithWorkerConcurrency(8),
//	)
//	eng, err := engine.Build(d)
//	engine.Register(eng, sendReceipt)
//	_ = eng.Start(ctx)
//
// # Architecture
//
// Each subsystem (job, cron) defines its own store interface and a single
// backend implements all of them. The root package holds shared
// configuration, the error taxonomy and the [Dispatcher] lifecycle; the
// engine package wires subsystems together.
//
// Job identifiers are TypeIDs: type-prefixed, K-sortable and UUIDv7-based.
package conveyor
