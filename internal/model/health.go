package model

import "time"

// CircuitState is the provider circuit breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// HealthSnapshot is what a provider facade reports from one health probe.
type HealthSnapshot struct {
	CapacityScore float64  `json:"capacity_score"`
	LoadedModels  []string `json:"loaded_models,omitempty"`
}

// ProviderHealth is a point-in-time view of one provider. It is mutated
// only by the monitor's poll loop and executor failure callbacks.
type ProviderHealth struct {
	ProviderID          string       `json:"provider_id"`
	CapacityScore       float64      `json:"capacity_score"` // 0 (saturated) .. 1 (idle)
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastPolledAt        time.Time    `json:"last_polled_at"`
	CircuitState        CircuitState `json:"circuit_state"`
	LoadedModels        []string     `json:"loaded_models,omitempty"`
}
