package pipeline

import "github.com/google/uuid"

// State is the lifecycle of one job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	// StateFailed: the job failed permanently or ran out of attempts.
	StateFailed State = "permanently_failed"
	// StateSkipped: an upstream producer failed, so the job never ran.
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	}
	return false
}

// Job is one instantiation of a step against a document. Jobs are owned by
// a single run; the scheduler goroutine is the only writer once the job
// reports its outcome.
type Job struct {
	ID         string
	DocumentID string
	Step       string
	Attempt    int
	State      State
	Error      string
}

func newJob(docID, step string) *Job {
	return &Job{
		ID:         uuid.NewString(),
		DocumentID: docID,
		Step:       step,
		State:      StatePending,
	}
}
