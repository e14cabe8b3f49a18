package audit

// Actions. Each one corresponds to one lifecycle hook.
const (
	ActionJobEnqueued     = "job.enqueued"
	ActionJobDropped      = "job.dropped"
	ActionJobCancelled    = "job.cancelled"
	ActionJobSucceeded    = "job.succeeded"
	ActionJobRetrying     = "job.retrying"
	ActionJobDeadLettered = "job.dead_lettered"
	ActionJobDiscarded    = "job.discarded"
	ActionLeaseReclaimed  = "job.lease_reclaimed"
	ActionScheduleFired   = "schedule.fired"
)

const (
	CategoryJob      = "conveyor.job"
	CategorySchedule = "conveyor.schedule"
)

const (
	ResourceJob      = "job"
	ResourceSchedule = "schedule"
)

const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AllActions returns every action the extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobDropped,
		ActionJobCancelled,
		ActionJobSucceeded,
		ActionJobRetrying,
		ActionJobDeadLettered,
		ActionJobDiscarded,
		ActionLeaseReclaimed,
		ActionScheduleFired,
	}
}
