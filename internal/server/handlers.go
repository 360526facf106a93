package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inference-gateway/internal/gateway"
	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/usage"
)

type completionRequest struct {
	Model       string          `json:"model,omitempty"`
	Mode        string          `json:"mode,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	Messages    []model.Message `json:"messages,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	MaxTokens   int64           `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
}

func (cr completionRequest) toRequest() (model.Request, error) {
	if cr.Prompt == "" && len(cr.Messages) == 0 {
		return model.Request{}, eris.New("either prompt or messages is required")
	}
	if cr.Prompt != "" && len(cr.Messages) > 0 {
		return model.Request{}, eris.New("prompt and messages are mutually exclusive")
	}

	mode := model.Mode(cr.Mode)
	switch mode {
	case "":
		mode = model.ModeInteractive
	case model.ModeInteractive, model.ModeBatch:
	default:
		return model.Request{}, eris.Errorf("unknown mode %q", cr.Mode)
	}

	return model.Request{
		ModelID: cr.Model,
		Mode:    mode,
		Stream:  cr.Stream,
		Payload: model.Payload{
			Messages:    cr.Messages,
			Prompt:      cr.Prompt,
			MaxTokens:   cr.MaxTokens,
			Temperature: cr.Temperature,
		},
	}, nil
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	params := gateway.SubmitParams{
		Credential:       r.Header.Get("Authorization"),
		Request:          req,
		PriorityOverride: model.PriorityBand(body.Priority),
	}

	if body.Stream {
		s.streamCompletion(w, r, params)
		return
	}

	resp, err := s.gw.Submit(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamCompletion delivers output over SSE. Headers are deferred until
// the first chunk so pre-stream failures still produce a proper JSON
// error status.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, params gateway.SubmitParams) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "streaming unsupported"})
		return
	}

	sse := &sseWriter{w: w, flusher: flusher}
	params.OnChunk = func(text string) {
		sse.event("chunk", map[string]string{"text": text})
	}

	resp, err := s.gw.Submit(r.Context(), params)
	if err != nil {
		if !sse.started {
			writeError(w, err)
			return
		}
		// Mid-stream failure: the status line is gone, signal in-band.
		sse.event("error", errorBody{Error: err.Error()})
		sse.done()
		return
	}

	sse.event("done", resp)
	sse.done()
}

// sseWriter lazily opens a text/event-stream response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseWriter) event(name string, payload any) {
	s.start()
	data, err := json.Marshal(payload)
	if err != nil {
		zap.L().Warn("sse encode failed", zap.Error(err))
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

type jobResponse struct {
	ID          string          `json:"id"`
	RequestID   string          `json:"request_id"`
	Status      model.JobStatus `json:"status"`
	ResultRef   string          `json:"result_ref,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func toJobResponse(j model.Job) jobResponse {
	resp := jobResponse{
		ID:        j.ID,
		RequestID: j.RequestID,
		Status:    j.Status,
		ResultRef: j.ResultRef,
		Error:     j.Error,
		CreatedAt: j.CreatedAt,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		resp.CompletedAt = &t
	}
	return resp
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	req.Mode = model.ModeBatch
	req.Stream = false

	ident, err := s.gw.Authorize(r.Context(), r.Header.Get("Authorization"), req.ModelID)
	if err != nil {
		writeError(w, err)
		return
	}

	j, err := s.jobs.Submit(r.Context(), ident.ProcessID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResponse(*j))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	ident, err := s.gw.Authorize(r.Context(), r.Header.Get("Authorization"), "")
	if err != nil {
		writeError(w, err)
		return
	}

	jobID := chi.URLParam(r, "jobID")
	j, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	// Jobs are visible only to the submitting process.
	if j == nil || j.ProcessID != ident.ProcessID {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "job not found"})
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(*j))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ident, err := s.gw.Authorize(r.Context(), r.Header.Get("Authorization"), "")
	if err != nil {
		writeError(w, err)
		return
	}

	filter := usage.Filter{
		ProcessID: ident.ProcessID,
		ModelID:   r.URL.Query().Get("model"),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "since must be RFC3339"})
			return
		}
		filter.Since = ts
	}
	if v := r.URL.Query().Get("until"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "until must be RFC3339"})
			return
		}
		filter.Until = ts
	}

	summaries, err := s.recorder.Summarize(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if summaries == nil {
		summaries = []usage.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": summaries})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if _, err := s.gw.Authorize(r.Context(), r.Header.Get("Authorization"), ""); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.monitor.Snapshot()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
