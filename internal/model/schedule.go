package model

import "time"

// RequestState tracks a ScheduledRequest through the scheduler.
type RequestState string

const (
	StateQueued      RequestState = "queued"
	StateDispatching RequestState = "dispatching"
	StateDispatched  RequestState = "dispatched"
	StateRequeued    RequestState = "requeued"
	StateRejected    RequestState = "rejected"
	StateCancelled   RequestState = "cancelled"
)

// ClassificationCandidate is one ranked model choice produced by the
// classifier. Ordered lists are highest score first.
type ClassificationCandidate struct {
	ModelID  string  `json:"model_id"`
	Score    float64 `json:"score"`
	PolicyID string  `json:"policy_id"`
}

// ScheduledRequest is an admitted request owned by the scheduler queue
// until dispatch. Candidates holds the remaining fallback models, the
// selected one first.
type ScheduledRequest struct {
	RequestID  string
	Request    Request
	Identity   IdentityContext
	Band       PriorityBand
	Candidates []ClassificationCandidate
	ArrivalAt  time.Time
	Attempts   int
}

// SelectedModelID returns the model currently targeted for dispatch.
func (r *ScheduledRequest) SelectedModelID() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].ModelID
}

// AdvanceCandidate drops the current candidate and reports whether any
// fallback remains.
func (r *ScheduledRequest) AdvanceCandidate() bool {
	if len(r.Candidates) <= 1 {
		r.Candidates = nil
		return false
	}
	r.Candidates = r.Candidates[1:]
	return true
}
