package model

// RateLimit is the per-process admission budget.
type RateLimit struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	TokensPerMinute   int `json:"tokens_per_minute"`
}

// IdentityContext is the resolved identity for one request. It is created
// from a credential lookup, immutable for the request's lifetime.
type IdentityContext struct {
	ProcessID         string    `json:"process_id"`
	ProfileID         string    `json:"profile_id"`
	PermittedModelIDs ModelSet  `json:"permitted_model_ids"`
	RateLimit         RateLimit `json:"rate_limit"`
	// AllowPriorityOverride authorizes explicit priority escalation for
	// batch submissions.
	AllowPriorityOverride bool `json:"allow_priority_override"`
}

// ModelSet is a set of model IDs.
type ModelSet map[string]bool

// NewModelSet builds a set from a list of model IDs.
func NewModelSet(ids ...string) ModelSet {
	s := make(ModelSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// Contains reports whether the set holds the given model ID.
func (s ModelSet) Contains(id string) bool {
	return s[id]
}

// Empty reports whether the set has no members.
func (s ModelSet) Empty() bool {
	return len(s) == 0
}
