package model

import "time"

// JobStatus tracks an async submission through the background worker.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// Job is a persisted async submission replayed by the background worker.
type Job struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	ProcessID   string    `json:"process_id"`
	Status      JobStatus `json:"status"`
	Request     Request   `json:"request"`
	ResultRef   string    `json:"result_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}
