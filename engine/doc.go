// Package engine wires all conveyor subsystems together and provides
// the primary application-level API for registering and enqueuing work.
//
// The engine package exists to break an import cycle: the root conveyor
// package defines Entity and the error types (imported by job, cron,
// queue, etc.) and therefore cannot import those packages back. Engine
// sits above all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	d, err := conveyor.New(
//	    conveyor.WithStore(pgStore),
//	    conveyor.WithPoolSize(4),
//	    conveyor.WithWorkerConcurrency(10),
//	    conveyor.WithQueues("orders", "emails"),
//	)
//
//	eng, err := engine.Build(d,
//	    engine.WithExtension(myExtension),
//	    engine.WithRetryPolicy(retry.Exponential{Base: time.Second, Multiplier: 2, MaxDelay: time.Minute}),
//	    engine.WithQueueConfig(queue.Config{
//	        Name:      "emails",
//	        RateLimit: 100,
//	        MaxDepth:  10000,
//	        Overflow:  queue.DropOldest,
//	    }),
//	)
//
// # Registering Work
//
//	engine.Register(eng, SendReceipt)
//
//	engine.RegisterSchedule(ctx, eng, &cron.Definition[ReportInput]{
//	    Name:       "daily-sales-report",
//	    Expression: "0 9 * * *",
//	    Timezone:   "Europe/Berlin",
//	    JobType:    "sales-report",
//	})
//
// # Enqueuing Jobs
//
//	engine.Enqueue(ctx, eng, "send-receipt", ReceiptInput{OrderID: "o_123"})
//
//	// With options
//	engine.Enqueue(ctx, eng, "send-receipt", input,
//	    job.WithPriority(job.PriorityHigh),
//	    job.WithDelay(5*time.Minute),
//	)
//
// # Runners
//
// Build attaches the lease sweeper, the depth sampler, the worker pool and
// the scheduler to the Dispatcher. Start starts them in that order and
// Stop stops them in reverse, then emits the shutdown event and closes the
// store.
package engine
