package job

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inference-gateway/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testJobRequest(id string) model.Request {
	return model.Request{
		ID:   id,
		Mode: model.ModeBatch,
		Payload: model.Payload{
			Prompt:    "summarize the quarterly filings",
			MaxTokens: 512,
		},
	}
}

func TestSQLite_InsertClaimComplete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j := model.Job{
		ID:        "job-1",
		RequestID: "req-1",
		ProcessID: "proc-a",
		Request:   testJobRequest("req-1"),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.Insert(ctx, j))

	claimed, err := st.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "job-1", claimed.ID)
	assert.Equal(t, model.JobRunning, claimed.Status)
	assert.Equal(t, "summarize the quarterly filings", claimed.Request.Payload.Prompt)

	// Queue is now empty.
	second, err := st.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, st.Complete(ctx, "job-1", model.JobSucceeded, "usage://req-1", ""))

	got, err := st.Get(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.JobSucceeded, got.Status)
	assert.Equal(t, "usage://req-1", got.ResultRef)
	assert.False(t, got.CompletedAt.IsZero())
}

func TestSQLite_ClaimOrderIsFIFO(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, st.Insert(ctx, model.Job{
			ID:        id,
			RequestID: id,
			ProcessID: "proc-a",
			Request:   testJobRequest(id),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		claimed, err := st.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, want, claimed.ID)
	}
}

func TestSQLite_CompleteRequiresRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, model.Job{
		ID: "job-1", RequestID: "req-1", ProcessID: "proc-a",
		Request: testJobRequest("req-1"), CreatedAt: time.Now().UTC(),
	}))

	// Still queued, not claimed.
	assert.Error(t, st.Complete(ctx, "job-1", model.JobSucceeded, "", ""))
}

func TestSQLite_RequeueOrphans(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Insert(ctx, model.Job{
		ID: "job-1", RequestID: "req-1", ProcessID: "proc-a",
		Request: testJobRequest("req-1"), CreatedAt: time.Now().UTC(),
	}))
	_, err := st.Claim(ctx)
	require.NoError(t, err)

	n, err := st.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err := st.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "job-1", claimed.ID)
}

func TestService_SubmitAndRun(t *testing.T) {
	st := newTestStore(t)

	done := make(chan string, 1)
	runner := func(_ context.Context, j model.Job) (string, error) {
		done <- j.ID
		return "usage://" + j.RequestID, nil
	}
	svc := NewService(st, runner, Options{Workers: 1, PollInterval: 10 * time.Millisecond})

	submitted, err := svc.Submit(context.Background(), "proc-a", testJobRequest("req-1"))
	require.NoError(t, err)
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, model.JobQueued, submitted.Status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx) //nolint:errcheck

	select {
	case id := <-done:
		assert.Equal(t, submitted.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}

	// Completion is recorded asynchronously after the runner returns.
	require.Eventually(t, func() bool {
		got, err := svc.Status(context.Background(), submitted.ID)
		return err == nil && got != nil && got.Status == model.JobSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	got, err := svc.Status(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, "usage://req-1", got.ResultRef)
}

func TestService_SubmitMintsRequestID(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, nil, Options{})

	req := testJobRequest("")
	submitted, err := svc.Submit(context.Background(), "proc-a", req)
	require.NoError(t, err)
	require.NotEmpty(t, submitted.RequestID)
	assert.Equal(t, submitted.RequestID, submitted.Request.ID)

	// The minted ID survives the round-trip to the store.
	got, err := svc.Status(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, submitted.RequestID, got.RequestID)
	assert.Equal(t, submitted.RequestID, got.Request.ID)
}

func TestService_RunnerErrorFailsJob(t *testing.T) {
	st := newTestStore(t)

	runner := func(context.Context, model.Job) (string, error) {
		return "", errors.New("upstream unavailable")
	}
	svc := NewService(st, runner, Options{Workers: 1, PollInterval: 10 * time.Millisecond})

	submitted, err := svc.Submit(context.Background(), "proc-a", testJobRequest("req-1"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool {
		got, err := svc.Status(context.Background(), submitted.ID)
		return err == nil && got != nil && got.Status == model.JobFailed
	}, 5*time.Second, 20*time.Millisecond)

	got, err := svc.Status(context.Background(), submitted.ID)
	require.NoError(t, err)
	assert.Contains(t, got.Error, "upstream unavailable")
}
