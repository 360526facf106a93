package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inference-gateway/internal/admission"
	"github.com/sells-group/inference-gateway/internal/classifier"
	"github.com/sells-group/inference-gateway/internal/config"
	"github.com/sells-group/inference-gateway/internal/cost"
	"github.com/sells-group/inference-gateway/internal/executor"
	"github.com/sells-group/inference-gateway/internal/gateway"
	"github.com/sells-group/inference-gateway/internal/health"
	"github.com/sells-group/inference-gateway/internal/identity"
	"github.com/sells-group/inference-gateway/internal/job"
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

// streamingDispatcher emits chunks for streamed dispatches and a plain
// outcome otherwise.
type streamingDispatcher struct{}

func (streamingDispatcher) Dispatch(_ context.Context, _ provider.Request, _ provider.Provider, stream bool, onChunk executor.ChunkFunc) (*executor.Outcome, error) {
	text := "hello world"
	if stream && onChunk != nil {
		onChunk("hello ")
		onChunk("world")
	}
	return &executor.Outcome{
		Text:       text,
		StopReason: "end_turn",
		Tokens:     model.TokenCounts{Input: 10, Output: 2},
		Timing:     executor.Timing{TTFT: 5 * time.Millisecond},
		Attempts:   1,
	}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(&fakeProvider{name: "anthropic", models: []string{"claude-haiku-4-5"}}))

	sched := scheduler.New(scheduler.Options{Workers: 2}, reg, allowAllGate{}, streamingDispatcher{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Run(ctx) //nolint:errcheck

	store, err := usage.NewSQLite(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() }) //nolint:errcheck
	require.NoError(t, store.Migrate(context.Background()))
	calc := cost.NewCalculator(cost.DefaultRates())
	recorder := usage.NewRecorder(store, calc)

	resolver := identity.NewResolver(identity.NewConfigStore([]config.ProcessConfig{{
		ID:              "proc-a",
		APIKey:          "key-a",
		PermittedModels: []string{"claude-haiku-4-5"},
	}}, config.AdmissionConfig{DefaultRequestsPerMinute: 100, DefaultTokensPerMinute: 100000}))

	cls := classifier.New([]classifier.Policy{{ID: "default", ModelID: "claude-haiku-4-5"}}, nil, sched.DepthForModel)
	admitter := admission.NewController(100, sched.Depth)
	gw := gateway.New(resolver, cls, admitter, sched, recorder, calc)

	jobStore, err := job.NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jobStore.Close() }) //nolint:errcheck
	require.NoError(t, jobStore.Migrate(context.Background()))
	runner := func(ctx context.Context, j model.Job) (string, error) {
		resp, err := gw.SubmitForProcess(ctx, j.ProcessID, gateway.SubmitParams{Request: j.Request})
		if err != nil {
			return "", err
		}
		return "usage://" + resp.RequestID, nil
	}
	jobs := job.NewService(jobStore, runner, job.Options{Workers: 1, PollInterval: 10 * time.Millisecond})
	go jobs.Run(ctx) //nolint:errcheck

	monitor := health.NewMonitor(health.Options{})
	monitor.Register(&fakeProvider{name: "anthropic", models: []string{"claude-haiku-4-5"}})

	srv := New(config.ServerConfig{Port: 0}, gw, jobs, recorder, monitor)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path, auth string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path, auth string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestCompletions_Unary(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/v1/completions", "Bearer key-a", map[string]any{
		"model":  "claude-haiku-4-5",
		"prompt": "hello",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[gateway.Response](t, resp)
	assert.Equal(t, "hello world", body.Text)
	assert.Equal(t, "claude-haiku-4-5", body.ModelID)
	assert.Equal(t, int64(10), body.Tokens.Input)
}

func TestCompletions_MissingAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/v1/completions", "", map[string]any{"prompt": "hello"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCompletions_BadBody(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/v1/completions", "Bearer key-a", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompletions_ModelNotPermitted(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/v1/completions", "Bearer key-a", map[string]any{
		"model":  "gpt-4o",
		"prompt": "hello",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCompletions_Streaming(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/v1/completions", "Bearer key-a", map[string]any{
		"model":  "claude-haiku-4-5",
		"prompt": "hello",
		"stream": true,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	raw := buf.String()

	assert.Contains(t, raw, "event: chunk")
	assert.Contains(t, raw, `"hello "`)
	assert.Contains(t, raw, "event: done")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(raw), "data: [DONE]"))
}

func TestJobs_SubmitAndPoll(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/v1/jobs", "Bearer key-a", map[string]any{
		"prompt": "long batch task",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	submitted := decodeBody[map[string]any](t, resp)
	jobID, _ := submitted["id"].(string)
	require.NotEmpty(t, jobID)
	requestID, _ := submitted["request_id"].(string)
	require.NotEmpty(t, requestID)

	require.Eventually(t, func() bool {
		r := getJSON(t, ts, "/v1/jobs/"+jobID, "Bearer key-a")
		body := decodeBody[map[string]any](t, r)
		return body["status"] == "succeeded"
	}, 5*time.Second, 25*time.Millisecond)

	// The poll response pairs the job with the request it replayed.
	r := getJSON(t, ts, "/v1/jobs/"+jobID, "Bearer key-a")
	body := decodeBody[map[string]any](t, r)
	assert.Equal(t, requestID, body["request_id"])
}

func TestJobs_NotFoundForOtherProcess(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts, "/v1/jobs/nonexistent", "Bearer key-a")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUsage_Summaries(t *testing.T) {
	ts := newTestServer(t)

	// Produce one finalized entry first.
	resp := postJSON(t, ts, "/v1/completions", "Bearer key-a", map[string]any{
		"model":  "claude-haiku-4-5",
		"prompt": "hello",
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	uresp := getJSON(t, ts, "/v1/usage", "Bearer key-a")
	require.Equal(t, http.StatusOK, uresp.StatusCode)
	body := decodeBody[map[string][]usage.Summary](t, uresp)
	require.Len(t, body["usage"], 1)
	assert.Equal(t, "proc-a", body["usage"][0].ProcessID)
	assert.Equal(t, int64(1), body["usage"][0].Requests)
}

func TestUsage_BadTimestamp(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts, "/v1/usage?since=yesterday", "Bearer key-a")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProviders_Snapshot(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts, "/v1/providers", "Bearer key-a")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string][]model.ProviderHealth](t, resp)
	require.Len(t, body["providers"], 1)
	assert.Equal(t, "anthropic", body["providers"][0].ProviderID)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	resp := getJSON(t, ts, "/health", "")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRetryAfterHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, &admission.RateLimitError{ProcessID: "proc-a", RetryAfter: 1500 * time.Millisecond})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}
