package usage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inference-gateway/internal/cost"
	"github.com/sells-group/inference-gateway/internal/model"
)

// Recorder wraps a Store with the draft/finalize lifecycle and cost
// attachment. Draft failures abort the request; finalize failures are
// retried once and then logged, never surfaced to the caller.
type Recorder struct {
	store Store
	calc  *cost.Calculator
}

// NewRecorder creates a Recorder.
func NewRecorder(store Store, calc *cost.Calculator) *Recorder {
	return &Recorder{store: store, calc: calc}
}

// Draft persists the admission-time entry. The request must not proceed
// past admission if this fails.
func (r *Recorder) Draft(ctx context.Context, entry model.LogEntry) error {
	if err := r.store.InsertDraft(ctx, entry); err != nil {
		return eris.Wrap(err, "usage: draft entry")
	}
	return nil
}

// Finalize records the terminal outcome. Cost is computed against the
// rate valid at admission time, so later price changes never reprice a
// request retroactively. A duplicate finalize is a logged no-op.
func (r *Recorder) Finalize(ctx context.Context, entry model.LogEntry, fin Finalization) {
	tokensUsed := fin.Tokens.Input+fin.Tokens.Output+fin.Tokens.CacheWrite+fin.Tokens.CacheRead > 0
	if tokensUsed && r.calc != nil {
		fin.CostUSD = r.calc.Cost(fin.SelectedModelID, entry.AdmittedAt, entry.Mode == model.ModeBatch, fin.Tokens)
	}
	if fin.FinalizedAt.IsZero() {
		fin.FinalizedAt = time.Now()
	}

	applied, err := r.store.Finalize(ctx, entry.RequestID, fin)
	if err != nil {
		// One retry covers transient store hiccups. The response has
		// already been produced at this point, so a second failure is
		// logged for reconciliation rather than returned.
		applied, err = r.store.Finalize(ctx, entry.RequestID, fin)
	}
	if err != nil {
		zap.L().Error("usage finalize failed, entry left in draft state",
			zap.String("request_id", entry.RequestID),
			zap.String("status", string(fin.Status)),
			zap.Error(err),
		)
		return
	}
	if !applied {
		zap.L().Debug("duplicate usage finalize ignored",
			zap.String("request_id", entry.RequestID),
		)
	}
}

// Entry fetches one log entry by request ID.
func (r *Recorder) Entry(ctx context.Context, requestID string) (*model.LogEntry, error) {
	return r.store.Get(ctx, requestID)
}

// List returns log entries matching the filter.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]model.LogEntry, error) {
	return r.store.List(ctx, filter)
}

// Summarize aggregates finalized usage per process and model.
func (r *Recorder) Summarize(ctx context.Context, filter Filter) ([]Summary, error) {
	return r.store.Summarize(ctx, filter)
}
