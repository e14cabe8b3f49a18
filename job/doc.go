// Package job defines the job entity, its status machine, typed
// definitions, the handler registry and the durable store contract.
//
// # Lifecycle
//
//	pending ──lease──▶ leased ──ack──▶ succeeded
//	                     │
//	                     ├─fail (retry)──▶ retrying ──lease──▶ leased ...
//	                     ├─fail (exhausted or permanent)──▶ dead_lettered
//	                     ├─fail (discarded by policy)──▶ failed
//	                     └─lease expired──▶ pending (attempts unchanged)
//	pending, retrying ──cancel──▶ cancelled
//
// Attempts is incremented when a lease is granted, never when it expires,
// and never exceeds MaxAttempts.
//
// # Defining a Job
//
//	var SendReceipt = job.NewDefinition("send_receipt",
//	    func(ctx context.Context, in ReceiptInput) error {
//	        return mailer.Send(ctx, in.OrderID, in.Email)
//	    },
//	    job.WithQueue("email"),
//	    job.WithPriority(job.PriorityHigh),
//	)
//
//	job.RegisterDefinition(registry, SendReceipt)
//
// Payloads are JSON by default; [WithCodec] selects [MsgPack] for large
// batch payloads.
package job
