package jobs

import "time"

// Status is the driver-side state of a generation job.
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether no further transitions follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Transition describes one state change of a job.
type Transition struct {
	JobID string
	From  Status
	To    Status
	Poll  int
	At    time.Time
}

// Observer receives job transitions synchronously on the driver goroutine.
type Observer func(Transition)

func (o Observer) notify(t Transition) {
	if o != nil {
		o(t)
	}
}
