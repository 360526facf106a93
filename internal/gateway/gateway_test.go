package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inference-gateway/internal/admission"
	"github.com/sells-group/inference-gateway/internal/classifier"
	"github.com/sells-group/inference-gateway/internal/config"
	"github.com/sells-group/inference-gateway/internal/cost"
	"github.com/sells-group/inference-gateway/internal/executor"
	"github.com/sells-group/inference-gateway/internal/identity"
	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/provider"
	"github.com/sells-group/inference-gateway/internal/scheduler"
	"github.com/sells-group/inference-gateway/internal/usage"
)

type fakeProvider struct {
	name   string
	models []string
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Models() []string { return f.models }

func (f *fakeProvider) Execute(context.Context, provider.Request) (*provider.Result, error) {
	return &provider.Result{Text: "ok"}, nil
}

func (f *fakeProvider) ExecuteStream(context.Context, provider.Request) (provider.Stream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeProvider) HealthCheck(context.Context) (model.HealthSnapshot, error) {
	return model.HealthSnapshot{CapacityScore: 1}, nil
}

type allowAllGate struct{}

func (allowAllGate) AllowDispatch(string, float64) bool { return true }

// okDispatcher returns a fixed successful outcome for every dispatch.
type okDispatcher struct{}

func (okDispatcher) Dispatch(_ context.Context, _ provider.Request, _ provider.Provider, _ bool, _ executor.ChunkFunc) (*executor.Outcome, error) {
	return &executor.Outcome{
		Text:       "ok",
		StopReason: "end_turn",
		Tokens:     model.TokenCounts{Input: 20, Output: 5},
		Timing:     executor.Timing{TTFT: 10 * time.Millisecond, Total: 50 * time.Millisecond},
		Attempts:   1,
	}, nil
}

type testEnv struct {
	gw    *Gateway
	store *usage.SQLiteStore
	sched *scheduler.Scheduler
}

func newTestEnv(t *testing.T, processes []config.ProcessConfig, run bool) *testEnv {
	t.Helper()

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(&fakeProvider{name: "anthropic", models: []string{"claude-haiku-4-5", "claude-sonnet-4-5"}}))

	sched := scheduler.New(scheduler.Options{Workers: 2}, reg, allowAllGate{}, okDispatcher{})
	if run {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go sched.Run(ctx) //nolint:errcheck
	}

	store, err := usage.NewSQLite(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	require.NoError(t, store.Migrate(context.Background()))

	calc := cost.NewCalculator(cost.DefaultRates())
	recorder := usage.NewRecorder(store, calc)

	resolver := identity.NewResolver(identity.NewConfigStore(processes, config.AdmissionConfig{
		DefaultRequestsPerMinute: 100,
		DefaultTokensPerMinute:   100000,
	}))

	policies := []classifier.Policy{
		{ID: "cheap", ModelID: "claude-haiku-4-5"},
		{ID: "smart", ModelID: "claude-sonnet-4-5", MinScore: 0.9},
	}
	cls := classifier.New(policies, nil, sched.DepthForModel)

	admitter := admission.NewController(100, sched.Depth)

	return &testEnv{
		gw:    New(resolver, cls, admitter, sched, recorder, calc),
		store: store,
		sched: sched,
	}
}

func defaultProcesses() []config.ProcessConfig {
	return []config.ProcessConfig{{
		ID:              "proc-a",
		ProfileID:       "profile-1",
		APIKey:          "key-a",
		PermittedModels: []string{"claude-haiku-4-5", "claude-sonnet-4-5"},
	}}
}

func TestSubmit_DirectModelSuccess(t *testing.T) {
	env := newTestEnv(t, defaultProcesses(), true)

	resp, err := env.gw.Submit(context.Background(), SubmitParams{
		Credential: "Bearer key-a",
		Request: model.Request{
			ModelID: "claude-haiku-4-5",
			Payload: model.Payload{Prompt: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, "claude-haiku-4-5", resp.ModelID)
	assert.Equal(t, "anthropic", resp.ProviderID)
	assert.Greater(t, resp.CostUSD, 0.0)
	assert.NotEmpty(t, resp.RequestID)

	entry, err := env.store.Get(context.Background(), resp.RequestID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.StatusSucceeded, entry.Status)
	assert.Equal(t, int64(20), entry.Tokens.Input)
	assert.Greater(t, entry.CostUSD, 0.0)
}

func TestSubmit_ClassifierSelectsModel(t *testing.T) {
	env := newTestEnv(t, defaultProcesses(), true)

	resp, err := env.gw.Submit(context.Background(), SubmitParams{
		Credential: "key-a",
		Request: model.Request{
			Payload: model.Payload{Prompt: "short question"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", resp.ModelID)
}

func TestSubmit_ModelNotPermitted(t *testing.T) {
	env := newTestEnv(t, defaultProcesses(), true)

	_, err := env.gw.Submit(context.Background(), SubmitParams{
		Credential: "key-a",
		Request: model.Request{
			ModelID: "gpt-4o",
			Payload: model.Payload{Prompt: "hello"},
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelNotPermitted)

	// Rejected before admission: nothing drafted.
	entries, listErr := env.store.List(context.Background(), usage.Filter{})
	require.NoError(t, listErr)
	assert.Empty(t, entries)
}

func TestSubmit_InvalidCredential(t *testing.T) {
	env := newTestEnv(t, defaultProcesses(), true)

	_, err := env.gw.Submit(context.Background(), SubmitParams{
		Credential: "wrong-key",
		Request:    model.Request{Payload: model.Payload{Prompt: "hello"}},
	})
	assert.ErrorIs(t, err, identity.ErrInvalidCredential)
}

func TestSubmit_RateLimited(t *testing.T) {
	procs := defaultProcesses()
	procs[0].RequestsPerMinute = 1
	env := newTestEnv(t, procs, true)

	_, err := env.gw.Submit(context.Background(), SubmitParams{
		Credential: "key-a",
		Request:    model.Request{ModelID: "claude-haiku-4-5", Payload: model.Payload{Prompt: "one"}},
	})
	require.NoError(t, err)

	_, err = env.gw.Submit(context.Background(), SubmitParams{
		Credential: "key-a",
		Request:    model.Request{ModelID: "claude-haiku-4-5", Payload: model.Payload{Prompt: "two"}},
	})
	require.Error(t, err)

	var rlErr *admission.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Greater(t, rlErr.RetryAfter, time.Duration(0))

	// Only the admitted request produced a log entry.
	entries, listErr := env.store.List(context.Background(), usage.Filter{})
	require.NoError(t, listErr)
	assert.Len(t, entries, 1)
}

func TestSubmit_CancelledBeforeDispatch(t *testing.T) {
	// Scheduler deliberately not running: the request stays queued until
	// the caller gives up.
	env := newTestEnv(t, defaultProcesses(), false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var requestID string
	go func() {
		_, err := env.gw.Submit(ctx, SubmitParams{
			Credential: "key-a",
			Request: model.Request{
				ID:      "req-cancel",
				ModelID: "claude-haiku-4-5",
				Payload: model.Payload{Prompt: "hello"},
			},
		})
		done <- err
	}()
	requestID = "req-cancel"

	// Give the submission time to enqueue, then abandon it.
	require.Eventually(t, func() bool { return env.sched.Depth() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, scheduler.ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return after cancellation")
	}

	entry, err := env.store.Get(context.Background(), requestID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.StatusCancelled, entry.Status)
}

func TestSubmit_NoPermittedModels(t *testing.T) {
	procs := []config.ProcessConfig{{
		ID:     "proc-empty",
		APIKey: "key-empty",
	}}
	env := newTestEnv(t, procs, true)

	_, err := env.gw.Submit(context.Background(), SubmitParams{
		Credential: "key-empty",
		Request:    model.Request{Payload: model.Payload{Prompt: "hello"}},
	})
	assert.ErrorIs(t, err, classifier.ErrNoModelsPermitted)
}

func TestSubmit_NoPolicyClearsThreshold(t *testing.T) {
	// Only the high-threshold model is permitted; a trivial prompt scores
	// below it, so classification legitimately returns no candidates.
	procs := []config.ProcessConfig{{
		ID:              "proc-smart-only",
		APIKey:          "key-smart",
		PermittedModels: []string{"claude-sonnet-4-5"},
	}}
	env := newTestEnv(t, procs, true)

	_, err := env.gw.Submit(context.Background(), SubmitParams{
		Credential: "key-smart",
		Request:    model.Request{Payload: model.Payload{Prompt: "hi"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEligibleModel)

	// Rejected before admission: nothing drafted.
	entries, listErr := env.store.List(context.Background(), usage.Filter{})
	require.NoError(t, listErr)
	assert.Empty(t, entries)
}

func TestSubmitForProcess(t *testing.T) {
	env := newTestEnv(t, defaultProcesses(), true)

	resp, err := env.gw.SubmitForProcess(context.Background(), "proc-a", SubmitParams{
		Request: model.Request{
			Mode:    model.ModeBatch,
			Payload: model.Payload{Prompt: "batch work"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	entry, err := env.store.Get(context.Background(), resp.RequestID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.ModeBatch, entry.Mode)
}
