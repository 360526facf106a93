// Package executor performs upstream calls for dispatched requests: retry
// with backoff on transient failures, per-request timeouts, and streaming
// with fine-grained timing.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/provider"
)

// ErrTimeout is returned when the per-request deadline expires.
var ErrTimeout = eris.New("executor: request timed out")

// ProviderError reports an upstream failure after retries were exhausted.
type ProviderError struct {
	ProviderID string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("executor: provider %s failed: %v", e.ProviderID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Monitor receives per-attempt outcome signals.
type Monitor interface {
	ReportFailure(providerID string)
	ReportSuccess(providerID string)
}

// Options tunes retry and timeout behavior.
type Options struct {
	// RequestTimeout bounds one dispatch including all retry attempts.
	RequestTimeout time.Duration
	// MaxAttempts is the total attempt count including the first try.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	JitterFraction float64
}

func (o Options) withDefaults() Options {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 120 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2.0
	}
	if o.JitterFraction < 0 {
		o.JitterFraction = 0
	}
	return o
}

// Timing holds measured latencies for one dispatch.
type Timing struct {
	TTFT  time.Duration // dispatch to first streamed output unit
	TPOT  time.Duration // rolling average inter-chunk latency
	Total time.Duration
}

// Outcome is the terminal accounting of one dispatch. On failure it still
// carries any partial token counts observed before the abort.
type Outcome struct {
	Text       string
	StopReason string
	Tokens     model.TokenCounts
	Timing     Timing
	Attempts   int
}

// ChunkFunc receives streamed text deltas as they arrive.
type ChunkFunc func(text string)

// Executor owns upstream call mechanics for all providers.
type Executor struct {
	opts    Options
	monitor Monitor
}

// New creates an Executor reporting attempt outcomes to the monitor.
func New(opts Options, monitor Monitor) *Executor {
	return &Executor{opts: opts.withDefaults(), monitor: monitor}
}

// Dispatch executes the request against the provider. When stream is set,
// onChunk receives text deltas and TTFT/TPOT are measured from the chunk
// arrivals. Transient failures are retried with exponential backoff until
// the attempt budget or the request deadline runs out; every failed
// attempt is reported to the monitor.
func (e *Executor) Dispatch(ctx context.Context, req provider.Request, prov provider.Provider, stream bool, onChunk ChunkFunc) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	start := time.Now()
	outcome := &Outcome{}
	var lastErr error

	for attempt := 0; attempt < e.opts.MaxAttempts; attempt++ {
		outcome.Attempts = attempt + 1

		var err error
		if stream {
			err = e.attemptStream(ctx, req, prov, outcome, start, onChunk)
		} else {
			err = e.attemptUnary(ctx, req, prov, outcome)
		}
		if err == nil {
			e.monitor.ReportSuccess(prov.Name())
			outcome.Timing.Total = time.Since(start)
			return outcome, nil
		}
		lastErr = err
		e.monitor.ReportFailure(prov.Name())

		if ctx.Err() != nil {
			break
		}
		// A stream that already delivered output cannot be replayed.
		if stream && outcome.Timing.TTFT > 0 {
			break
		}
		if !provider.Retryable(err) {
			break
		}
		if attempt >= e.opts.MaxAttempts-1 {
			break
		}

		delay := computeBackoff(attempt, e.opts)
		zap.L().Warn("retrying upstream call",
			zap.String("provider", prov.Name()),
			zap.String("model", req.ModelID),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	outcome.Timing.Total = time.Since(start)
	return outcome, e.classify(ctx, prov.Name(), lastErr)
}

func (e *Executor) attemptUnary(ctx context.Context, req provider.Request, prov provider.Provider, outcome *Outcome) error {
	result, err := prov.Execute(ctx, req)
	if err != nil {
		return err
	}
	outcome.Text = result.Text
	outcome.StopReason = result.StopReason
	outcome.Tokens = result.Tokens
	return nil
}

func (e *Executor) attemptStream(ctx context.Context, req provider.Request, prov provider.Provider, outcome *Outcome, start time.Time, onChunk ChunkFunc) error {
	s, err := prov.ExecuteStream(ctx, req)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		text        string
		tokens      model.TokenCounts
		lastChunkAt time.Time
		interTotal  time.Duration
		interCount  int
	)

	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep partial counts observed before the abort.
			outcome.Text = text
			outcome.Tokens = tokens
			return err
		}

		tokens.Add(chunk.Tokens)
		if chunk.Text == "" {
			continue
		}

		now := time.Now()
		if outcome.Timing.TTFT == 0 {
			outcome.Timing.TTFT = now.Sub(start)
		} else {
			interTotal += now.Sub(lastChunkAt)
			interCount++
		}
		lastChunkAt = now

		text += chunk.Text
		if onChunk != nil {
			onChunk(chunk.Text)
		}
	}

	if interCount > 0 {
		outcome.Timing.TPOT = interTotal / time.Duration(interCount)
	}
	outcome.Text = text
	outcome.Tokens = tokens
	return nil
}

// classify maps a terminal failure into the surfaced taxonomy.
func (e *Executor) classify(ctx context.Context, providerID string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	return &ProviderError{ProviderID: providerID, Err: err}
}

func computeBackoff(attempt int, opts Options) time.Duration {
	delay := float64(opts.InitialBackoff) * math.Pow(opts.Multiplier, float64(attempt))
	if delay > float64(opts.MaxBackoff) {
		delay = float64(opts.MaxBackoff)
	}

	if opts.JitterFraction > 0 {
		jitterRange := delay * opts.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
