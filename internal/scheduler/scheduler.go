// Package scheduler orders admitted requests for dispatch: strict FCFS
// within a priority band, bounded consecutive-dispatch fairness across
// bands, provider health gating, and candidate fallback.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/inference-gateway/internal/executor"
	"github.com/sells-group/inference-gateway/internal/model"
	"github.com/sells-group/inference-gateway/internal/provider"
)

// ErrNoHealthyProvider is returned when every candidate provider stayed
// unhealthy through the requeue budget.
var ErrNoHealthyProvider = eris.New("scheduler: no healthy provider for request")

// ErrCancelled is returned for requests cancelled before dispatch.
var ErrCancelled = eris.New("scheduler: request cancelled before dispatch")

// HealthGate is the monitor slice the scheduler consults before dispatch.
type HealthGate interface {
	AllowDispatch(providerID string, minCapacity float64) bool
}

// Dispatcher performs the upstream call for a dispatched request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req provider.Request, prov provider.Provider, stream bool, onChunk executor.ChunkFunc) (*executor.Outcome, error)
}

// Options tunes queue and fairness behavior.
type Options struct {
	// Workers bounds the executor pool.
	Workers int
	// BandQuota is the max consecutive dispatches from one band while
	// another band has eligible work.
	BandQuota int
	// RequeueCeiling bounds how often a request is reinserted after all
	// its candidates were unhealthy.
	RequeueCeiling int
	// RequeueBackoff delays an unhealthy request's next attempt.
	RequeueBackoff time.Duration
	// MinCapacityScore is the floor below which a provider is not
	// dispatched to.
	MinCapacityScore float64
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BandQuota <= 0 {
		o.BandQuota = 8
	}
	if o.RequeueCeiling <= 0 {
		o.RequeueCeiling = 3
	}
	if o.RequeueBackoff <= 0 {
		o.RequeueBackoff = 250 * time.Millisecond
	}
	return o
}

// Result is the terminal outcome of one scheduled request.
type Result struct {
	Outcome    *executor.Outcome
	Err        error
	ModelID    string
	ProviderID string
	QueueWait  time.Duration
}

// item is one queued request plus its delivery plumbing. All fields
// besides the channels are guarded by the scheduler mutex until the item
// leaves the queue; state stays mutex-guarded for its whole lifetime so
// Cancel can read it at any point.
type item struct {
	req        *model.ScheduledRequest
	candidates []model.ClassificationCandidate // immutable full list, for requeue reset
	ctx        context.Context
	onChunk    executor.ChunkFunc
	stream     bool
	results    chan Result
	state      model.RequestState
	notBefore  time.Time
	enqueuedAt time.Time
}

// Handle lets the caller await or cancel a queued request.
type Handle struct {
	s  *Scheduler
	it *item
}

// Results delivers exactly one terminal Result.
func (h *Handle) Results() <-chan Result {
	return h.it.results
}

// Cancel removes the request from the queue if it has not been handed to
// a worker yet. Returns true when the request was cancelled pre-dispatch;
// false means dispatch already started and the caller must await Results.
func (h *Handle) Cancel() bool {
	return h.s.cancel(h.it)
}

// Scheduler is the single owner of all queue state.
type Scheduler struct {
	mu           sync.Mutex
	bands        map[model.PriorityBand][]*item
	depthByModel map[string]int
	depth        int
	lastBand     model.PriorityBand
	lastYield    model.PriorityBand
	consecutive  int
	signal       chan struct{}
	opts         Options
	registry     *provider.Registry
	health       HealthGate
	dispatcher   Dispatcher
}

// New creates a Scheduler. Run must be started for dispatch to happen.
func New(opts Options, registry *provider.Registry, health HealthGate, dispatcher Dispatcher) *Scheduler {
	s := &Scheduler{
		bands:        make(map[model.PriorityBand][]*item),
		depthByModel: make(map[string]int),
		signal:       make(chan struct{}, 1),
		opts:         opts.withDefaults(),
		registry:     registry,
		health:       health,
		dispatcher:   dispatcher,
	}
	for _, b := range model.Bands() {
		s.bands[b] = nil
	}
	return s
}

// BandFor maps a request mode and an optional authorized override to a
// priority band. Interactive work defaults to MID, batch to LOW; an
// authorized override escalates to the requested band.
func BandFor(mode model.Mode, override model.PriorityBand, authorized bool) model.PriorityBand {
	if override != "" && authorized {
		return override
	}
	if mode == model.ModeBatch {
		return model.BandLow
	}
	return model.BandMid
}

// Depth returns the total number of queued requests.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// DepthForModel returns how many queued requests currently target the
// model. Used by the classifier's tie-break.
func (s *Scheduler) DepthForModel(modelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthByModel[modelID]
}

// Enqueue adds an admitted request to its band's tail and returns a
// handle for awaiting the terminal result. The request's context governs
// pre-dispatch cancellation and in-flight aborts.
func (s *Scheduler) Enqueue(ctx context.Context, req *model.ScheduledRequest, stream bool, onChunk executor.ChunkFunc) *Handle {
	it := &item{
		req:        req,
		candidates: append([]model.ClassificationCandidate(nil), req.Candidates...),
		ctx:        ctx,
		onChunk:    onChunk,
		stream:     stream,
		results:    make(chan Result, 1),
		state:      model.StateQueued,
		enqueuedAt: time.Now(),
	}

	s.mu.Lock()
	s.bands[req.Band] = append(s.bands[req.Band], it)
	s.depth++
	s.depthByModel[req.SelectedModelID()]++
	s.mu.Unlock()

	s.wake()
	return &Handle{s: s, it: it}
}

func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// setState publishes a state transition for an item that already left
// the queue. Cancel and the reaper read state under the same lock, so
// every write goes through it too.
func (s *Scheduler) setState(it *item, state model.RequestState) {
	s.mu.Lock()
	it.state = state
	s.mu.Unlock()
}

// cancel implements Handle.Cancel.
func (s *Scheduler) cancel(it *item) bool {
	s.mu.Lock()
	if it.state != model.StateQueued {
		s.mu.Unlock()
		return false
	}
	it.state = model.StateCancelled
	s.removeLocked(it)
	s.mu.Unlock()

	it.results <- Result{Err: ErrCancelled, QueueWait: time.Since(it.enqueuedAt)}
	return true
}

// removeLocked unlinks the item from its band and fixes depth counters.
func (s *Scheduler) removeLocked(it *item) {
	band := s.bands[it.req.Band]
	for i, queued := range band {
		if queued == it {
			s.bands[it.req.Band] = append(band[:i], band[i+1:]...)
			s.depth--
			s.depthByModel[it.req.SelectedModelID()]--
			return
		}
	}
}

// Run starts the scheduling loop and the bounded executor pool, blocking
// until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	workCh := make(chan *item)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case it := <-workCh:
					s.dispatch(ctx, it)
				}
			}
		})
	}

	g.Go(func() error {
		for {
			it, wait := s.pop()
			if it == nil {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil
				case <-s.signal:
					timer.Stop()
				case <-timer.C:
				}
				continue
			}
			select {
			case <-ctx.Done():
				return nil
			case workCh <- it:
			}
		}
	})

	return g.Wait()
}

// pop removes the next dispatchable item under the fairness policy, or
// returns how long to wait for one to become eligible.
func (s *Scheduler) pop() (*item, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	wait := time.Minute

	// Drop cancelled callers without dispatching them.
	for _, band := range model.Bands() {
		s.reapCancelledLocked(band)
	}

	eligible := make([]model.PriorityBand, 0, 3)
	for _, band := range model.Bands() {
		if len(s.bands[band]) == 0 {
			continue
		}
		head := s.bands[band][0]
		if head.notBefore.After(now) {
			if d := head.notBefore.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		eligible = append(eligible, band)
	}
	if len(eligible) == 0 {
		return nil, wait
	}

	// FCFS within a band; across bands HIGH before MID before LOW, but a
	// band that has used its consecutive quota yields while others wait.
	chosen := eligible[0]
	if chosen == s.lastBand && s.consecutive >= s.opts.BandQuota && len(eligible) > 1 {
		chosen = s.yieldTargetLocked(eligible, chosen)
	}
	if chosen == s.lastBand {
		s.consecutive++
	} else {
		s.lastBand = chosen
		s.consecutive = 1
	}

	it := s.bands[chosen][0]
	it.state = model.StateDispatching
	s.bands[chosen] = s.bands[chosen][1:]
	s.depth--
	s.depthByModel[it.req.SelectedModelID()]--
	return it, 0
}

// yieldTargetLocked picks the band that receives a quota yield. Yields
// rotate through the eligible bands in precedence order rather than
// always favoring the next-highest, so a busy HIGH+MID pair cannot
// starve LOW.
func (s *Scheduler) yieldTargetLocked(eligible []model.PriorityBand, exhausted model.PriorityBand) model.PriorityBand {
	bands := model.Bands()
	start := 0
	for i, b := range bands {
		if b == s.lastYield {
			start = i + 1
			break
		}
	}
	for off := 0; off < len(bands); off++ {
		b := bands[(start+off)%len(bands)]
		if b == exhausted {
			continue
		}
		for _, e := range eligible {
			if e == b {
				s.lastYield = b
				return b
			}
		}
	}
	return eligible[1]
}

// reapCancelledLocked finalizes queued items whose caller context is done.
func (s *Scheduler) reapCancelledLocked(band model.PriorityBand) {
	queue := s.bands[band]
	kept := queue[:0]
	for _, it := range queue {
		if it.ctx.Err() != nil && it.state == model.StateQueued {
			it.state = model.StateCancelled
			s.depth--
			s.depthByModel[it.req.SelectedModelID()]--
			it.results <- Result{Err: ErrCancelled, QueueWait: time.Since(it.enqueuedAt)}
			continue
		}
		kept = append(kept, it)
	}
	s.bands[band] = kept
}

// dispatch walks the candidate list, gates on provider health, and hands
// the first healthy candidate to the executor. Unhealthy candidates fall
// through to the next; a fully unhealthy list is requeued with backoff up
// to the ceiling.
func (s *Scheduler) dispatch(ctx context.Context, it *item) {
	if it.ctx.Err() != nil {
		s.setState(it, model.StateCancelled)
		it.results <- Result{Err: ErrCancelled, QueueWait: time.Since(it.enqueuedAt)}
		return
	}

	queueWait := time.Since(it.enqueuedAt)

	for {
		modelID := it.req.SelectedModelID()
		if modelID == "" {
			break
		}
		prov, ok := s.registry.ForModel(modelID)
		if !ok || !s.health.AllowDispatch(prov.Name(), s.opts.MinCapacityScore) {
			if !it.req.AdvanceCandidate() {
				break
			}
			continue
		}

		s.setState(it, model.StateDispatched)
		outcome, err := s.dispatcher.Dispatch(it.ctx, provider.Request{
			ModelID: modelID,
			Payload: it.req.Request.Payload,
		}, prov, it.stream, it.onChunk)

		it.results <- Result{
			Outcome:    outcome,
			Err:        err,
			ModelID:    modelID,
			ProviderID: prov.Name(),
			QueueWait:  queueWait,
		}
		return
	}

	// Every candidate was unhealthy or unknown.
	it.req.Attempts++
	if it.req.Attempts > s.opts.RequeueCeiling {
		s.setState(it, model.StateRejected)
		it.results <- Result{Err: ErrNoHealthyProvider, QueueWait: queueWait}
		return
	}

	zap.L().Debug("requeueing request, no healthy provider",
		zap.String("request_id", it.req.RequestID),
		zap.Int("attempt", it.req.Attempts),
	)

	it.req.Candidates = append([]model.ClassificationCandidate(nil), it.candidates...)
	s.mu.Lock()
	it.state = model.StateQueued
	it.notBefore = time.Now().Add(s.opts.RequeueBackoff * time.Duration(it.req.Attempts))
	s.bands[it.req.Band] = append(s.bands[it.req.Band], it)
	s.depth++
	s.depthByModel[it.req.SelectedModelID()]++
	s.mu.Unlock()
	s.wake()
}
