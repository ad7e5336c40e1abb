package core

import "time"

// Event is the interface for all scheduler events.
type Event interface {
	eventMarker()
}

// JobStarted is emitted when a claimed job begins its dispatch protocol.
type JobStarted struct {
	Job       *Job
	Resumed   bool
	Timestamp time.Time
}

func (*JobStarted) eventMarker() {}

// JobProgress is emitted when the external service reports a progress step.
type JobProgress struct {
	Job       *Job
	Progress  int
	Timestamp time.Time
}

func (*JobProgress) eventMarker() {}

// JobCompleted is emitted after a successful settle and delivery.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (*JobCompleted) eventMarker() {}

// JobRetrying is emitted when a job is pushed back to pending.
type JobRetrying struct {
	Job       *Job
	Attempt   int
	Error     error
	Timestamp time.Time
}

func (*JobRetrying) eventMarker() {}

// JobFailed is emitted when a job settles as failed, after the refund.
type JobFailed struct {
	Job       *Job
	Error     error
	Refunded  float64
	Timestamp time.Time
}

func (*JobFailed) eventMarker() {}
