package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/inference-gateway/internal/executor"
	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/provider"
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

// recordingDispatcher records dispatch order by the request prompt, which
// the tests use as a marker.
type recordingDispatcher struct {
	mu    sync.Mutex
	order []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, req provider.Request, _ provider.Provider, _ bool, _ executor.ChunkFunc) (*executor.Outcome, error) {
	d.mu.Lock()
	d.order = append(d.order, req.Payload.Prompt)
	d.mu.Unlock()
	return &executor.Outcome{Text: "ok"}, nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

type gateFunc func(providerID string, minCapacity float64) bool

func (g gateFunc) AllowDispatch(providerID string, minCapacity float64) bool {
	return g(providerID, minCapacity)
}

func allowAll(string, float64) bool { return true }

func testRegistry(t *testing.T) *provider.Registry {
	t.Helper()
	reg := provider.NewRegistry()
	if err := reg.Register(&fakeProvider{name: "alpha", models: []string{"model-a"}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(&fakeProvider{name: "beta", models: []string{"model-b"}}); err != nil {
		t.Fatal(err)
	}
	return reg
}

func testRequest(id string, band model.PriorityBand, modelIDs ...string) *model.ScheduledRequest {
	cands := make([]model.ClassificationCandidate, 0, len(modelIDs))
	for _, m := range modelIDs {
		cands = append(cands, model.ClassificationCandidate{ModelID: m})
	}
	return &model.ScheduledRequest{
		RequestID:  id,
		Request:    model.Request{Payload: model.Payload{Prompt: id}},
		Band:       band,
		Candidates: cands,
		ArrivalAt:  time.Now(),
	}
}

func awaitResult(t *testing.T, h *Handle) Result {
	t.Helper()
	select {
	case res := <-h.Results():
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestBandPrecedence(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Options{Workers: 1}, testRegistry(t), gateFunc(allowAll), disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hLow := s.Enqueue(ctx, testRequest("low", model.BandLow, "model-a"), false, nil)
	hMid := s.Enqueue(ctx, testRequest("mid", model.BandMid, "model-a"), false, nil)
	hHigh := s.Enqueue(ctx, testRequest("high", model.BandHigh, "model-a"), false, nil)

	go s.Run(ctx)

	awaitResult(t, hLow)
	awaitResult(t, hMid)
	awaitResult(t, hHigh)

	got := disp.dispatched()
	want := []string{"high", "mid", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order: got %v, want %v", got, want)
		}
	}
}

func TestFCFSWithinBand(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Options{Workers: 1}, testRegistry(t), gateFunc(allowAll), disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handles []*Handle
	want := []string{"first", "second", "third", "fourth"}
	for _, id := range want {
		handles = append(handles, s.Enqueue(ctx, testRequest(id, model.BandMid, "model-a"), false, nil))
	}

	go s.Run(ctx)
	for _, h := range handles {
		awaitResult(t, h)
	}

	got := disp.dispatched()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order: got %v, want %v", got, want)
		}
	}
}

func TestBandQuotaYields(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Options{Workers: 1, BandQuota: 2}, testRegistry(t), gateFunc(allowAll), disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handles []*Handle
	for _, id := range []string{"h1", "h2", "h3", "h4"} {
		handles = append(handles, s.Enqueue(ctx, testRequest(id, model.BandHigh, "model-a"), false, nil))
	}
	handles = append(handles, s.Enqueue(ctx, testRequest("m1", model.BandMid, "model-a"), false, nil))

	go s.Run(ctx)
	for _, h := range handles {
		awaitResult(t, h)
	}

	got := disp.dispatched()
	// After two consecutive high dispatches the mid request gets a turn.
	if got[2] != "m1" {
		t.Fatalf("expected m1 at position 2, got %v", got)
	}
}

func TestQuotaYieldRotatesThroughBands(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Options{Workers: 1, BandQuota: 2}, testRegistry(t), gateFunc(allowAll), disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handles []*Handle
	for _, id := range []string{"h1", "h2", "h3", "h4", "h5", "h6"} {
		handles = append(handles, s.Enqueue(ctx, testRequest(id, model.BandHigh, "model-a"), false, nil))
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		handles = append(handles, s.Enqueue(ctx, testRequest(id, model.BandMid, "model-a"), false, nil))
	}
	handles = append(handles, s.Enqueue(ctx, testRequest("l1", model.BandLow, "model-a"), false, nil))

	go s.Run(ctx)
	for _, h := range handles {
		awaitResult(t, h)
	}

	// Successive yields alternate between the waiting bands, so the low
	// request gets a turn while high and mid both stay busy.
	got := disp.dispatched()
	want := []string{"h1", "h2", "m1", "h3", "h4", "l1", "h5", "h6", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dispatch order: got %v, want %v", got, want)
		}
	}
}

func TestCancelBeforeDispatch(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Options{Workers: 1}, testRegistry(t), gateFunc(allowAll), disp)

	// Scheduler not running: the request stays queued.
	h := s.Enqueue(context.Background(), testRequest("r1", model.BandMid, "model-a"), false, nil)

	if !h.Cancel() {
		t.Fatal("expected pre-dispatch cancel to succeed")
	}
	res := awaitResult(t, h)
	if !errors.Is(res.Err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", res.Err)
	}
	if h.Cancel() {
		t.Fatal("second cancel should report false")
	}
	if s.Depth() != 0 {
		t.Fatalf("expected empty queue, depth = %d", s.Depth())
	}
	if len(disp.dispatched()) != 0 {
		t.Fatal("cancelled request must never reach the dispatcher")
	}
}

func TestCancelConcurrentWithDispatch(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Options{Workers: 2}, testRegistry(t), gateFunc(allowAll), disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Cancel races the dispatch loop; whichever wins, the caller gets
	// exactly one terminal result and the state reads stay consistent.
	for i := 0; i < 100; i++ {
		h := s.Enqueue(ctx, testRequest("r", model.BandMid, "model-a"), false, nil)

		done := make(chan bool, 1)
		go func() {
			done <- h.Cancel()
		}()

		res := awaitResult(t, h)
		cancelled := <-done
		if cancelled && !errors.Is(res.Err, ErrCancelled) {
			t.Fatalf("cancel won but result was %v", res.Err)
		}
		if !cancelled && res.Err != nil {
			t.Fatalf("dispatch won but result was %v", res.Err)
		}

		select {
		case res := <-h.Results():
			t.Fatalf("second result delivered: %+v", res)
		default:
		}
	}
}

func TestFallbackToNextCandidate(t *testing.T) {
	disp := &recordingDispatcher{}
	gate := gateFunc(func(providerID string, _ float64) bool {
		return providerID != "alpha"
	})
	s := New(Options{Workers: 1}, testRegistry(t), gate, disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := s.Enqueue(ctx, testRequest("r1", model.BandMid, "model-a", "model-b"), false, nil)
	go s.Run(ctx)

	res := awaitResult(t, h)
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.ModelID != "model-b" || res.ProviderID != "beta" {
		t.Fatalf("expected fallback to model-b on beta, got %s on %s", res.ModelID, res.ProviderID)
	}
}

func TestAllUnhealthyRejectsAfterCeiling(t *testing.T) {
	disp := &recordingDispatcher{}
	gate := gateFunc(func(string, float64) bool { return false })
	s := New(Options{
		Workers:        1,
		RequeueCeiling: 2,
		RequeueBackoff: time.Millisecond,
	}, testRegistry(t), gate, disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := s.Enqueue(ctx, testRequest("r1", model.BandMid, "model-a"), false, nil)
	go s.Run(ctx)

	res := awaitResult(t, h)
	if !errors.Is(res.Err, ErrNoHealthyProvider) {
		t.Fatalf("expected ErrNoHealthyProvider, got %v", res.Err)
	}
	if len(disp.dispatched()) != 0 {
		t.Fatal("unhealthy request must never reach the dispatcher")
	}
}

func TestDepthForModel(t *testing.T) {
	disp := &recordingDispatcher{}
	s := New(Options{Workers: 1}, testRegistry(t), gateFunc(allowAll), disp)

	s.Enqueue(context.Background(), testRequest("r1", model.BandMid, "model-a"), false, nil)
	s.Enqueue(context.Background(), testRequest("r2", model.BandLow, "model-a"), false, nil)
	s.Enqueue(context.Background(), testRequest("r3", model.BandMid, "model-b"), false, nil)

	if got := s.Depth(); got != 3 {
		t.Fatalf("Depth() = %d, want 3", got)
	}
	if got := s.DepthForModel("model-a"); got != 2 {
		t.Fatalf("DepthForModel(model-a) = %d, want 2", got)
	}
	if got := s.DepthForModel("model-b"); got != 1 {
		t.Fatalf("DepthForModel(model-b) = %d, want 1", got)
	}
}

func TestBandFor(t *testing.T) {
	cases := []struct {
		mode       model.Mode
		override   model.PriorityBand
		authorized bool
		want       model.PriorityBand
	}{
		{model.ModeInteractive, "", false, model.BandMid},
		{model.ModeBatch, "", false, model.BandLow},
		{model.ModeInteractive, model.BandHigh, true, model.BandHigh},
		{model.ModeInteractive, model.BandHigh, false, model.BandMid},
		{model.ModeBatch, model.BandMid, true, model.BandMid},
	}
	for _, tc := range cases {
		if got := BandFor(tc.mode, tc.override, tc.authorized); got != tc.want {
			t.Errorf("BandFor(%s, %q, %v) = %s, want %s", tc.mode, tc.override, tc.authorized, got, tc.want)
		}
	}
}
