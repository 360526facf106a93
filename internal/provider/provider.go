// Package provider defines the capability interface implemented once per
// upstream provider family, plus the registry mapping models to providers.
package provider

import (
	"context"

	"github.com/sells-group/inference-gateway/internal/model"
)

// Request is the resolved upstream call handed to a provider.
type Request struct {
	ModelID string
	Payload model.Payload
}

// Result is a completed unary response.
type Result struct {
	Text       string
	StopReason string
	Tokens     model.TokenCounts
}

// Chunk is one streamed output unit.
type Chunk struct {
	Text   string
	Tokens model.TokenCounts
}

// Stream yields chunks until io.EOF. Close releases the upstream
// connection; it is safe to call after an error.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider is the capability interface for one provider family. The
// scheduler and executor depend only on this, never on concrete types.
type Provider interface {
	Name() string
	Models() []string
	Execute(ctx context.Context, req Request) (*Result, error)
	ExecuteStream(ctx context.Context, req Request) (Stream, error)
	HealthCheck(ctx context.Context) (model.HealthSnapshot, error)
}
