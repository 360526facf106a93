// Package usage persists the billing-grade request log. Every admitted
// request gets a draft entry; exactly one finalization records its
// terminal outcome, tokens, and cost.
package usage

import (
	"context"
	"time"

	"github.com/sells-group/inference-gateway/internal/model"
)

// Finalization carries the terminal fields applied to a draft entry.
type Finalization struct {
	SelectedModelID string
	ProviderID      string
	QueueWaitMs     int64
	TTFTMs          int64
	TotalLatencyMs  int64
	Tokens          model.TokenCounts
	CostUSD         float64
	Status          model.TerminalStatus
	FinalizedAt     time.Time
}

// Filter narrows List and Summarize queries.
type Filter struct {
	ProcessID string
	ModelID   string
	Status    model.TerminalStatus
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Summary is one aggregation row: totals per process and model over the
// filter window. Only finalized entries are aggregated.
type Summary struct {
	ProcessID string            `json:"process_id"`
	ModelID   string            `json:"model_id"`
	Requests  int64             `json:"requests"`
	Succeeded int64             `json:"succeeded"`
	Failed    int64             `json:"failed"`
	Tokens    model.TokenCounts `json:"tokens"`
	CostUSD   float64           `json:"cost_usd"`
}

// Store is the persistence interface for the request log.
type Store interface {
	// InsertDraft records the admission-time entry. RequestID must be
	// unique; a second insert for the same ID is an error.
	InsertDraft(ctx context.Context, entry model.LogEntry) error

	// Finalize applies the terminal fields to a draft. Returns false
	// without modifying anything when the entry was already finalized.
	Finalize(ctx context.Context, requestID string, fin Finalization) (bool, error)

	// Get fetches one entry by request ID, nil when absent.
	Get(ctx context.Context, requestID string) (*model.LogEntry, error)

	// List returns entries matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]model.LogEntry, error)

	// Summarize aggregates finalized entries per process and model.
	Summarize(ctx context.Context, filter Filter) ([]Summary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
