// Package admission gates requests on per-process rate budgets and global
// queue capacity before they may enter scheduling.
package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/inference-gateway/internal/model"
)

// ErrNoCapacity is returned when the global queue is at its depth ceiling.
var ErrNoCapacity = eris.New("admission: queue at capacity")

// RateLimitError reports a budget rejection with a retry hint.
type RateLimitError struct {
	ProcessID  string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("admission: rate limit exceeded for process %s, retry after %s", e.ProcessID, e.RetryAfter)
}

// QueueDepthFunc reports the scheduler's current total queue depth.
type QueueDepthFunc func() int

// Controller enforces per-process requests-per-minute and tokens-per-minute
// budgets plus a global queue depth ceiling. Budget state is updated
// atomically per process: concurrent admissions from the same process are
// serialized on that process's lock.
type Controller struct {
	mu    sync.Mutex
	procs map[string]*processLimiter

	queueDepth    QueueDepthFunc
	maxQueueDepth int

	nowFunc func() time.Time
}

type processLimiter struct {
	mu       sync.Mutex
	limit    model.RateLimit
	requests []time.Time   // sliding one-minute request window
	tokens   *rate.Limiter // tokens-per-minute bucket
}

// NewController creates an admission controller. queueDepth may be nil
// during wiring and set later via SetQueueDepthFunc.
func NewController(maxQueueDepth int, queueDepth QueueDepthFunc) *Controller {
	if queueDepth == nil {
		queueDepth = func() int { return 0 }
	}
	return &Controller{
		procs:         make(map[string]*processLimiter),
		queueDepth:    queueDepth,
		maxQueueDepth: maxQueueDepth,
		nowFunc:       time.Now,
	}
}

// SetQueueDepthFunc wires the scheduler's depth signal after construction.
func (c *Controller) SetQueueDepthFunc(fn QueueDepthFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth = fn
}

// Ticket is a successful admission reservation, consumed exactly once by
// the scheduler enqueue. An unconsumed ticket must be Released to refund
// the budget it holds.
type Ticket struct {
	ProcessID string
	Tokens    int

	once        sync.Once
	proc        *processLimiter
	admittedAt  time.Time
	reservation *rate.Reservation
}

// Consume marks the ticket as used by the scheduler. Idempotent.
func (t *Ticket) Consume() {
	t.once.Do(func() {})
}

// Release refunds the ticket's window slot and token reservation. Only the
// first of Consume/Release takes effect.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.proc.mu.Lock()
		defer t.proc.mu.Unlock()
		if t.reservation != nil {
			t.reservation.Cancel()
		}
		for i, ts := range t.proc.requests {
			if ts.Equal(t.admittedAt) {
				t.proc.requests = append(t.proc.requests[:i], t.proc.requests[i+1:]...)
				break
			}
		}
	})
}

// Admit checks, in order: the per-process request window, the per-process
// token budget for the estimated cost, and the global queue depth ceiling.
// On failure nothing is mutated. On success the returned ticket holds the
// reservation.
func (c *Controller) Admit(identity *model.IdentityContext, payload model.Payload) (*Ticket, error) {
	proc := c.limiterFor(identity)
	estTokens := EstimateTokens(payload)
	now := c.nowFunc()

	proc.mu.Lock()
	defer proc.mu.Unlock()

	// (a) requests per minute, sliding window.
	cutoff := now.Add(-time.Minute)
	trimmed := proc.requests[:0]
	for _, ts := range proc.requests {
		if ts.After(cutoff) {
			trimmed = append(trimmed, ts)
		}
	}
	proc.requests = trimmed

	if len(proc.requests) >= proc.limit.RequestsPerMinute {
		retry := proc.requests[0].Add(time.Minute).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return nil, &RateLimitError{ProcessID: identity.ProcessID, RetryAfter: retry}
	}

	// (b) tokens per minute.
	res := proc.tokens.ReserveN(now, estTokens)
	if !res.OK() {
		// Estimated cost exceeds the whole budget; not satisfiable by waiting.
		return nil, &RateLimitError{ProcessID: identity.ProcessID, RetryAfter: time.Minute}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return nil, &RateLimitError{ProcessID: identity.ProcessID, RetryAfter: delay}
	}

	// (c) global queue depth.
	if c.maxQueueDepth > 0 && c.queueDepth() >= c.maxQueueDepth {
		res.CancelAt(now)
		return nil, ErrNoCapacity
	}

	proc.requests = append(proc.requests, now)
	return &Ticket{
		ProcessID:   identity.ProcessID,
		Tokens:      estTokens,
		proc:        proc,
		admittedAt:  now,
		reservation: res,
	}, nil
}

func (c *Controller) limiterFor(identity *model.IdentityContext) *processLimiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	proc, ok := c.procs[identity.ProcessID]
	if !ok {
		perSecond := rate.Limit(float64(identity.RateLimit.TokensPerMinute) / 60.0)
		proc = &processLimiter{
			limit:  identity.RateLimit,
			tokens: rate.NewLimiter(perSecond, identity.RateLimit.TokensPerMinute),
		}
		c.procs[identity.ProcessID] = proc
	}
	return proc
}

// EstimateTokens approximates the token cost of an incoming payload:
// roughly four characters per token plus a small per-message overhead.
func EstimateTokens(payload model.Payload) int {
	n := len(payload.Text())/4 + 4*len(payload.Messages)
	if n < 1 {
		n = 1
	}
	return n
}
