// Package ext lets extensions observe job and schedule transitions.
//
// An extension implements [Extension] plus any of the hook interfaces:
//
//	type auditLog struct{ w io.Writer }
//
//	func (a *auditLog) Name() string { return "audit-log" }
//
//	func (a *auditLog) OnJobDeadLettered(ctx context.Context, j *job.Job, err error) error {
//	    _, werr := fmt.Fprintf(a.w, "%s %s dead-lettered: %v\n", j.ID, j.Type, err)
//	    return werr
//	}
//
// The [Registry] fans each event out to the extensions implementing the
// matching hook. Hook errors are logged at warn level and never change the
// job's outcome. The metrics collector is itself an extension.
package ext
