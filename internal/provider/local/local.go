// Package local implements the provider interface for the local-inference
// family (Ollama-compatible HTTP API). Health polls the loaded-model state
// so the scheduler can prefer warm backends.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/provider"
)

// Cold backends still serve, at a capacity penalty reflecting model load
// latency.
const coldCapacity = 0.5

// Provider serves models on one local inference endpoint.
type Provider struct {
	name    string
	baseURL string
	client  *http.Client
	models  []string
}

// New creates a local provider.
func New(name, baseURL string, models []string, client *http.Client) (*Provider, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, eris.New("local: base url must not be empty")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{name: name, baseURL: baseURL, client: client, models: models}, nil
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Models() []string {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

// Execute performs a unary chat call.
func (p *Provider) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	resp, err := p.post(ctx, buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, eris.Wrap(err, "local: decode response")
	}

	return &provider.Result{
		Text:       parsed.Message.Content,
		StopReason: parsed.DoneReason,
		Tokens: model.TokenCounts{
			Input:  parsed.PromptEvalCount,
			Output: parsed.EvalCount,
		},
	}, nil
}

// ExecuteStream performs a streaming chat call (NDJSON lines).
func (p *Provider) ExecuteStream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	resp, err := p.post(ctx, buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	return &ndjsonStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

type psResponse struct {
	Models []struct {
		Name     string `json:"name"`
		SizeVRAM int64  `json:"size_vram"`
	} `json:"models"`
}

// HealthCheck polls the loaded-model state. A backend with one of our
// models already resident reports full capacity; a reachable but cold
// backend reports reduced capacity.
func (p *Provider) HealthCheck(ctx context.Context) (model.HealthSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/ps", nil)
	if err != nil {
		return model.HealthSnapshot{}, eris.Wrap(err, "local: build health request")
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return model.HealthSnapshot{}, eris.Wrap(err, "local: health check")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return model.HealthSnapshot{}, eris.Errorf("local: health check status %d", resp.StatusCode)
	}

	var parsed psResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.HealthSnapshot{}, eris.Wrap(err, "local: decode health response")
	}

	served := make(map[string]bool, len(p.models))
	for _, m := range p.models {
		served[m] = true
	}

	snap := model.HealthSnapshot{CapacityScore: coldCapacity}
	for _, m := range parsed.Models {
		snap.LoadedModels = append(snap.LoadedModels, m.Name)
		if served[m.Name] {
			snap.CapacityScore = 1.0
		}
	}
	return snap, nil
}

func (p *Provider) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "local: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "local: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if provider.Retryable(err) {
			return nil, provider.Upstream("local: request", 0, err)
		}
		return nil, eris.Wrap(err, "local: request")
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, provider.Upstream("local: request", resp.StatusCode,
			eris.New(strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

func buildRequest(req provider.Request, stream bool) chatRequest {
	out := chatRequest{Model: req.ModelID, Stream: stream}
	if req.Payload.MaxTokens > 0 || req.Payload.Temperature != nil {
		out.Options = map[string]any{}
		if req.Payload.MaxTokens > 0 {
			out.Options["num_predict"] = req.Payload.MaxTokens
		}
		if req.Payload.Temperature != nil {
			out.Options["temperature"] = *req.Payload.Temperature
		}
	}
	if req.Payload.Prompt != "" {
		out.Messages = []chatMessage{{Role: "user", Content: req.Payload.Prompt}}
		return out
	}
	for _, m := range req.Payload.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// ndjsonStream parses newline-delimited JSON chat chunks.
type ndjsonStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *ndjsonStream) Recv() (provider.Chunk, error) {
	if s.done {
		return provider.Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var parsed chatResponse
		if err := json.Unmarshal(line, &parsed); err != nil {
			return provider.Chunk{}, eris.Wrap(err, "local: decode stream chunk")
		}

		chunk := provider.Chunk{Text: parsed.Message.Content}
		if parsed.Done {
			s.done = true
			chunk.Tokens = model.TokenCounts{
				Input:  parsed.PromptEvalCount,
				Output: parsed.EvalCount,
			}
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return provider.Chunk{}, eris.Wrap(err, "local: read stream")
	}
	return provider.Chunk{}, io.EOF
}

func (s *ndjsonStream) Close() error {
	return s.body.Close()
}
