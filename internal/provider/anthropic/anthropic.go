// Package anthropic implements the provider interface for the Anthropic
// cloud family using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rotisserie/eris"

	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/provider"
)

const defaultMaxTokens = 4096

// Provider serves Anthropic models.
type Provider struct {
	name   string
	client sdk.Client
	models []string
}

// New creates an Anthropic provider claiming the given models.
func New(name, apiKey string, models []string) *Provider {
	if name == "" {
		name = "anthropic"
	}
	return &Provider{
		name:   name,
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		models: models,
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Models() []string {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

// Execute performs a unary message call.
func (p *Provider) Execute(ctx context.Context, req provider.Request) (*provider.Result, error) {
	msg, err := p.client.Messages.New(ctx, buildParams(req))
	if err != nil {
		return nil, classifyErr(err, "anthropic: create message")
	}

	var text string
	for _, b := range msg.Content {
		if b.Type == "text" {
			text += b.Text
		}
	}

	return &provider.Result{
		Text:       text,
		StopReason: string(msg.StopReason),
		Tokens: model.TokenCounts{
			Input:      msg.Usage.InputTokens,
			Output:     msg.Usage.OutputTokens,
			CacheWrite: msg.Usage.CacheCreationInputTokens,
			CacheRead:  msg.Usage.CacheReadInputTokens,
		},
	}, nil
}

// ExecuteStream performs a streaming message call.
func (p *Provider) ExecuteStream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	events := p.client.Messages.NewStreaming(ctx, buildParams(req))
	if err := events.Err(); err != nil {
		return nil, classifyErr(err, "anthropic: start stream")
	}
	return &stream{events: events}, nil
}

// HealthCheck verifies API reachability with a models listing. Capacity
// for the cloud family is binary: reachable or not.
func (p *Provider) HealthCheck(ctx context.Context) (model.HealthSnapshot, error) {
	if _, err := p.client.Models.List(ctx, sdk.ModelListParams{Limit: sdk.Int(1)}); err != nil {
		return model.HealthSnapshot{}, eris.Wrap(err, "anthropic: health check")
	}
	return model.HealthSnapshot{CapacityScore: 1.0}, nil
}

// stream adapts the SDK event stream to provider.Stream.
type stream struct {
	events *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stream) Recv() (provider.Chunk, error) {
	for s.events.Next() {
		event := s.events.Current()
		switch event.Type {
		case "message_start":
			return provider.Chunk{Tokens: model.TokenCounts{
				Input:      event.Message.Usage.InputTokens,
				CacheWrite: event.Message.Usage.CacheCreationInputTokens,
				CacheRead:  event.Message.Usage.CacheReadInputTokens,
			}}, nil
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			return provider.Chunk{Text: event.Delta.Text}, nil
		case "message_delta":
			return provider.Chunk{Tokens: model.TokenCounts{
				Output: event.Usage.OutputTokens,
			}}, nil
		}
	}
	if err := s.events.Err(); err != nil {
		return provider.Chunk{}, classifyErr(err, "anthropic: stream")
	}
	return provider.Chunk{}, io.EOF
}

func (s *stream) Close() error {
	return s.events.Close()
}

func buildParams(req provider.Request) sdk.MessageNewParams {
	maxTokens := req.Payload.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.ModelID),
		MaxTokens: maxTokens,
	}
	if req.Payload.Temperature != nil {
		params.Temperature = sdk.Float(*req.Payload.Temperature)
	}

	var system []sdk.TextBlockParam
	if req.Payload.Prompt != "" {
		params.Messages = []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Payload.Prompt))}
		return params
	}
	for _, m := range req.Payload.Messages {
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case "system":
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case "assistant":
			params.Messages = append(params.Messages, sdk.NewAssistantMessage(block))
		default:
			params.Messages = append(params.Messages, sdk.NewUserMessage(block))
		}
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

// classifyErr folds SDK failures into the upstream error model so the
// executor can decide whether to retry.
func classifyErr(err error, op string) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return provider.Upstream(op, apiErr.StatusCode, err)
	}
	if provider.Retryable(err) {
		return provider.Upstream(op, 0, err)
	}
	return eris.Wrap(err, op)
}
