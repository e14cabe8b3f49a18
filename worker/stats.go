package worker

import (
	"time"

	"github.com/rcommerce/conveyor/id"
)

// Stats are a worker's in-memory counters. They are not persisted.
type Stats struct {
	WorkerID        id.WorkerID `json:"worker_id"`
	State           State       `json:"state"`
	Concurrency     int         `json:"concurrency"`
	Processed       int64       `json:"processed"`
	Succeeded       int64       `json:"succeeded"`
	Failed          int64       `json:"failed"`
	Abandoned       int64       `json:"abandoned"`
	CurrentJobs     []id.JobID  `json:"current_jobs"`
	LastHeartbeatAt *time.Time  `json:"last_heartbeat_at,omitempty"`
}

func (s *Stats) record(jobID id.JobID, o Outcome) {
	s.Processed++
	switch o {
	case Succeeded:
		s.Succeeded++
	case Abandoned:
		s.Abandoned++
	default:
		s.Failed++
	}
	for i, cur := range s.CurrentJobs {
		if cur.String() == jobID.String() {
			s.CurrentJobs = append(s.CurrentJobs[:i], s.CurrentJobs[i+1:]...)
			break
		}
	}
}

func (s *Stats) snapshot(state State) Stats {
	cp := *s
	cp.State = state
	cp.CurrentJobs = append([]id.JobID(nil), s.CurrentJobs...)
	if s.LastHeartbeatAt != nil {
		t := *s.LastHeartbeatAt
		cp.LastHeartbeatAt = &t
	}
	return cp
}
