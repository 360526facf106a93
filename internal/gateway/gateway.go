// Package gateway orchestrates the request pipeline: identity, model
// selection, admission, scheduling, and usage accounting. It owns the
// exactly-once finalization of every admitted request.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inference-gateway/internal/admission"
	"github.com/sells-group/inference-gateway/internal/classifier"
	"github.com/sells-group/inference-gateway/internal/cost"
	"github.com/sells-group/inference-gateway/internal/executor"
	"github.com/sells-group/inference-gateway/internal/identity"
	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/scheduler"
	"github.com/sells-group/inference-gateway/internal/usage"
)

// ErrModelNotPermitted is returned when a directly named model is not in
// the caller's permitted set.
var ErrModelNotPermitted = eris.New("gateway: model not permitted for process")

// ErrNoEligibleModel is returned when classification finds no permitted
// model whose policy clears its score threshold.
var ErrNoEligibleModel = eris.New("gateway: no permitted model eligible for request")

// Queue is the scheduler surface the gateway drives.
type Queue interface {
	Enqueue(ctx context.Context, req *model.ScheduledRequest, stream bool, onChunk executor.ChunkFunc) *scheduler.Handle
}

// SubmitParams carries one inbound submission through the pipeline.
type SubmitParams struct {
	Credential       string
	Request          model.Request
	PriorityOverride model.PriorityBand
	OnChunk          executor.ChunkFunc
}

// Response is the terminal result returned to synchronous callers.
type Response struct {
	RequestID      string            `json:"request_id"`
	ModelID        string            `json:"model_id"`
	ProviderID     string            `json:"provider_id"`
	Text           string            `json:"text,omitempty"`
	StopReason     string            `json:"stop_reason,omitempty"`
	Tokens         model.TokenCounts `json:"tokens"`
	CostUSD        float64           `json:"cost_usd"`
	QueueWaitMs    int64             `json:"queue_wait_ms"`
	TTFTMs         int64             `json:"ttft_ms,omitempty"`
	TotalLatencyMs int64             `json:"total_latency_ms"`
}

// Gateway wires the pipeline stages together.
type Gateway struct {
	resolver   *identity.Resolver
	classifier *classifier.Classifier
	admitter   *admission.Controller
	queue      Queue
	recorder   *usage.Recorder
	calc       *cost.Calculator
}

// New creates a Gateway.
func New(resolver *identity.Resolver, cls *classifier.Classifier, admitter *admission.Controller, queue Queue, recorder *usage.Recorder, calc *cost.Calculator) *Gateway {
	return &Gateway{
		resolver:   resolver,
		classifier: cls,
		admitter:   admitter,
		queue:      queue,
		recorder:   recorder,
		calc:       calc,
	}
}

// Submit runs one request through the full pipeline and blocks until its
// terminal outcome. Streamed output is delivered through params.OnChunk
// as it arrives; the returned Response carries the final accounting
// either way.
func (g *Gateway) Submit(ctx context.Context, params SubmitParams) (*Response, error) {
	ident, err := g.resolver.Resolve(ctx, params.Credential)
	if err != nil {
		return nil, err
	}
	return g.submitAs(ctx, ident, params)
}

// SubmitForProcess runs a request for an already-verified process,
// bypassing credential resolution. Used by the job worker when replaying
// persisted submissions.
func (g *Gateway) SubmitForProcess(ctx context.Context, processID string, params SubmitParams) (*Response, error) {
	ident, err := g.resolver.ResolveProcess(ctx, processID)
	if err != nil {
		return nil, err
	}
	return g.submitAs(ctx, ident, params)
}

// Authorize resolves a credential and, when modelID is set, verifies the
// caller may use that model. Used for endpoints that accept work without
// running the synchronous pipeline.
func (g *Gateway) Authorize(ctx context.Context, credential, modelID string) (*model.IdentityContext, error) {
	ident, err := g.resolver.Resolve(ctx, credential)
	if err != nil {
		return nil, err
	}
	if modelID != "" && !ident.PermittedModelIDs.Contains(modelID) {
		return nil, ErrModelNotPermitted
	}
	return ident, nil
}

func (g *Gateway) submitAs(ctx context.Context, ident *model.IdentityContext, params SubmitParams) (*Response, error) {
	req := params.Request
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.ProcessID = ident.ProcessID
	if req.Mode == "" {
		req.Mode = model.ModeInteractive
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	candidates, err := g.selectCandidates(req, ident)
	if err != nil {
		return nil, err
	}
	// Valid classification outcome: every permitted model's policy kept
	// its threshold above the request's score.
	if len(candidates) == 0 {
		return nil, ErrNoEligibleModel
	}

	// Admission is the atomic check-then-reserve step. Everything after
	// it must either consume or release the ticket.
	ticket, err := g.admitter.Admit(ident, req.Payload)
	if err != nil {
		return nil, err
	}

	admittedAt := time.Now().UTC()
	entry := model.LogEntry{
		RequestID:       req.ID,
		ProcessID:       ident.ProcessID,
		Mode:            req.Mode,
		SelectedModelID: candidates[0].ModelID,
		AdmittedAt:      admittedAt,
	}
	if err := g.recorder.Draft(ctx, entry); err != nil {
		ticket.Release()
		return nil, err
	}

	band := scheduler.BandFor(req.Mode, params.PriorityOverride, ident.AllowPriorityOverride)
	scheduled := &model.ScheduledRequest{
		RequestID:  req.ID,
		Request:    req,
		Identity:   *ident,
		Band:       band,
		Candidates: candidates,
		ArrivalAt:  admittedAt,
	}

	handle := g.queue.Enqueue(ctx, scheduled, params.OnChunk != nil, params.OnChunk)
	ticket.Consume()

	var res scheduler.Result
	select {
	case res = <-handle.Results():
	case <-ctx.Done():
		if handle.Cancel() {
			res = scheduler.Result{Err: scheduler.ErrCancelled}
		} else {
			// Dispatch already started; its context sees the same
			// cancellation and the result arrives promptly.
			res = <-handle.Results()
		}
	}

	return g.finalize(ident, entry, res)
}

// selectCandidates returns the ranked model list: the directly named
// model when present, otherwise the classifier's ranking.
func (g *Gateway) selectCandidates(req model.Request, ident *model.IdentityContext) ([]model.ClassificationCandidate, error) {
	if req.ModelID != "" {
		if !ident.PermittedModelIDs.Contains(req.ModelID) {
			return nil, ErrModelNotPermitted
		}
		return []model.ClassificationCandidate{{ModelID: req.ModelID}}, nil
	}
	return g.classifier.Classify(req.Payload, ident.PermittedModelIDs)
}

// finalize records the terminal outcome exactly once and shapes the
// response. The scheduler delivers exactly one Result per request, so
// every admitted request passes through here exactly once.
func (g *Gateway) finalize(ident *model.IdentityContext, entry model.LogEntry, res scheduler.Result) (*Response, error) {
	totalMs := time.Since(entry.AdmittedAt).Milliseconds()

	fin := usage.Finalization{
		SelectedModelID: res.ModelID,
		ProviderID:      res.ProviderID,
		QueueWaitMs:     res.QueueWait.Milliseconds(),
		TotalLatencyMs:  totalMs,
		Status:          statusFor(res.Err),
	}
	if fin.SelectedModelID == "" {
		fin.SelectedModelID = entry.SelectedModelID
	}
	if res.Outcome != nil {
		fin.Tokens = res.Outcome.Tokens
		fin.TTFTMs = res.Outcome.Timing.TTFT.Milliseconds()
	}

	g.recorder.Finalize(context.Background(), entry, fin)

	if res.Err != nil {
		zap.L().Info("request finished",
			zap.String("request_id", entry.RequestID),
			zap.String("process_id", ident.ProcessID),
			zap.String("status", string(fin.Status)),
			zap.Error(res.Err),
		)
		return nil, res.Err
	}

	resp := &Response{
		RequestID:      entry.RequestID,
		ModelID:        res.ModelID,
		ProviderID:     res.ProviderID,
		Text:           res.Outcome.Text,
		StopReason:     res.Outcome.StopReason,
		Tokens:         res.Outcome.Tokens,
		QueueWaitMs:    fin.QueueWaitMs,
		TTFTMs:         fin.TTFTMs,
		TotalLatencyMs: totalMs,
	}
	if g.calc != nil {
		resp.CostUSD = g.calc.Cost(res.ModelID, entry.AdmittedAt, entry.Mode == model.ModeBatch, res.Outcome.Tokens)
	}

	zap.L().Info("request finished",
		zap.String("request_id", entry.RequestID),
		zap.String("process_id", ident.ProcessID),
		zap.String("model_id", res.ModelID),
		zap.String("provider_id", res.ProviderID),
		zap.Int64("queue_wait_ms", resp.QueueWaitMs),
		zap.Int64("total_latency_ms", totalMs),
	)
	return resp, nil
}

// statusFor maps a scheduler result error to a terminal log status.
func statusFor(err error) model.TerminalStatus {
	switch {
	case err == nil:
		return model.StatusSucceeded
	case errors.Is(err, scheduler.ErrCancelled), errors.Is(err, context.Canceled):
		return model.StatusCancelled
	case errors.Is(err, scheduler.ErrNoHealthyProvider):
		return model.StatusRejected
	default:
		return model.StatusFailed
	}
}
