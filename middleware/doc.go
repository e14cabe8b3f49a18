// Package middleware wraps job handler attempts.
//
// [Chain] composes layers with the first one outermost. The engine
// installs, in order:
//
//   - [Recover]: a handler panic becomes a retryable error
//   - [Tracing]: one OpenTelemetry consumer span per attempt
//   - [Metrics]: OpenTelemetry duration histogram and attempt counter
//   - [Logging]: start, success and failure records
//   - [Timeout]: the attempt fails with [conveyor.TimeoutError] at the
//     job's deadline even if the handler ignores its context
//
// Custom layers run inside these:
//
//	func FraudHold(check func(*job.Job) bool) middleware.Middleware {
//	    return func(ctx context.Context, j *job.Job, next middleware.Handler) error {
//	        if check(j) {
//	            return conveyor.Permanent(errors.New("held for fraud review"))
//	        }
//	        return next(ctx)
//	    }
//	}
package middleware
