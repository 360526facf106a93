package model

import "time"

// TerminalStatus is the final outcome recorded for a request.
type TerminalStatus string

const (
	StatusSucceeded TerminalStatus = "succeeded"
	StatusFailed    TerminalStatus = "failed"
	StatusRejected  TerminalStatus = "rejected"
	StatusCancelled TerminalStatus = "cancelled"
)

// TokenCounts tallies token usage by type for one request.
type TokenCounts struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheWrite int64 `json:"cache_write,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
}

// Add accumulates another count into the receiver.
func (t *TokenCounts) Add(other TokenCounts) {
	t.Input += other.Input
	t.Output += other.Output
	t.CacheWrite += other.CacheWrite
	t.CacheRead += other.CacheRead
}

// LogEntry is the billing-grade accounting record for one request.
// Created exactly once at admission, finalized exactly once at terminal
// outcome, append-only afterwards.
type LogEntry struct {
	RequestID       string         `json:"request_id"`
	ProcessID       string         `json:"process_id"`
	Mode            Mode           `json:"mode"`
	SelectedModelID string         `json:"selected_model_id,omitempty"`
	ProviderID      string         `json:"provider_id,omitempty"`
	QueueWaitMs     int64          `json:"queue_wait_ms"`
	TTFTMs          int64          `json:"ttft_ms,omitempty"`
	TotalLatencyMs  int64          `json:"total_latency_ms"`
	Tokens          TokenCounts    `json:"tokens"`
	CostUSD         float64        `json:"cost_usd"`
	Status          TerminalStatus `json:"status,omitempty"`
	AdmittedAt      time.Time      `json:"admitted_at"`
	FinalizedAt     time.Time      `json:"finalized_at,omitempty"`
}

// Finalized reports whether the entry has reached its terminal state.
func (e *LogEntry) Finalized() bool {
	return e.Status != ""
}
