// Package openaicompat implements the provider interface for
// OpenAI-compatible cloud endpoints (chat completions, unary and SSE).
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/provider"
)

const contentTypeJSON = "application/json"

// Provider serves models behind one OpenAI-compatible endpoint.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	models  []string
	chatURL string
}

// New creates an OpenAI-compatible provider. A nil client uses a default
// with no overall timeout; per-request deadlines come from the context.
func New(name, apiKey, baseURL string, models []string, client *http.Client) (*Provider, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, eris.New("openaicompat: base url must not be empty")
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
		models:  models,
		chatURL: baseURL + "/chat/completions",
	}, nil
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
	Model         string        `json:"model"`
	Messages      []chatMessage `json:"messages"`
	MaxTokens     int64         `json:"max_tokens,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	Stream        bool          `json:"stream,omitempty"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage chatUsage `json:"usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// Execute performs a unary chat completion.
func (p *Provider) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	resp, err := p.post(ctx, buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, eris.Wrap(err, "openaicompat: decode response")
	}
	if len(parsed.Choices) == 0 {
		return nil, eris.New("openaicompat: response has no choices")
	}

	return &provider.Result{
		Text:       parsed.Choices[0].Message.Content,
		StopReason: parsed.Choices[0].FinishReason,
		Tokens: model.TokenCounts{
			Input:  parsed.Usage.PromptTokens,
			Output: parsed.Usage.CompletionTokens,
		},
	}, nil
}

// ExecuteStream performs a streaming chat completion over SSE.
func (p *Provider) ExecuteStream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	resp, err := p.post(ctx, buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	return &sseStream{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

// HealthCheck probes the models endpoint; capacity degrades with probe
// latency as a cheap saturation signal.
func (p *Provider) HealthCheck(ctx context.Context) (model.HealthSnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return model.HealthSnapshot{}, eris.Wrap(err, "openaicompat: build health request")
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return model.HealthSnapshot{}, eris.Wrap(err, "openaicompat: health check")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return model.HealthSnapshot{}, eris.Errorf("openaicompat: health check status %d", resp.StatusCode)
	}

	capacity := 1.0 - float64(time.Since(start))/float64(5*time.Second)
	if capacity < 0.1 {
		capacity = 0.1
	}
	return model.HealthSnapshot{CapacityScore: capacity}, nil
}

func (p *Provider) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "openaicompat: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatURL, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "openaicompat: build request")
	}
	httpReq.Header.Set("Content-Type", contentTypeJSON)
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if provider.Retryable(err) {
			return nil, provider.Upstream("openaicompat: request", 0, err)
		}
		return nil, eris.Wrap(err, "openaicompat: request")
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, provider.Upstream("openaicompat: request", resp.StatusCode,
			eris.New(strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

func buildRequest(req provider.Request, stream bool) chatRequest {
	out := chatRequest{
		Model:       req.ModelID,
		MaxTokens:   req.Payload.MaxTokens,
		Temperature: req.Payload.Temperature,
		Stream:      stream,
	}
	if stream {
		out.StreamOptions = &struct {
			IncludeUsage bool `json:"include_usage"`
		}{IncludeUsage: true}
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

// sseStream parses "data:" lines from an SSE body into chunks.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *sseStream) Recv() (provider.Chunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			return provider.Chunk{}, io.EOF
		}

		var parsed chatChunk
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			return provider.Chunk{}, eris.Wrap(err, "openaicompat: decode stream chunk")
		}

		chunk := provider.Chunk{}
		if len(parsed.Choices) > 0 {
			chunk.Text = parsed.Choices[0].Delta.Content
		}
		if parsed.Usage != nil {
			chunk.Tokens = model.TokenCounts{
				Input:  parsed.Usage.PromptTokens,
				Output: parsed.Usage.CompletionTokens,
			}
		}
		if chunk.Text == "" && parsed.Usage == nil {
			continue
		}
		return chunk, nil
	}
	if err := s.scanner.Err(); err != nil {
		return provider.Chunk{}, fmt.Errorf("openaicompat: read stream: %w", err)
	}
	return provider.Chunk{}, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
