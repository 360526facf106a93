// Package health maintains near-real-time capacity and circuit state per
// provider, fed by periodic polling and executor failure callbacks.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/inference-gateway/internal/model"
)

// Checker is the slice of a provider facade the monitor polls.
type Checker interface {
	Name() string
	HealthCheck(ctx context.Context) (model.HealthSnapshot, error)
}

// Options tunes polling and circuit breaking.
type Options struct {
	PollInterval     time.Duration
	FailureThreshold int
	CircuitCooldown  time.Duration
}

// providerState holds one provider's health. Capacity fields are written
// only by the owning poll loop; the breaker has its own lock and is
// additionally written by executor callbacks. Single writer per key keeps
// the read path lock cheap.
type providerState struct {
	mu           sync.RWMutex
	capacity     float64
	loadedModels []string
	lastPolledAt time.Time

	checker Checker
	breaker *breaker
}

// Monitor owns all ProviderHealth state. Readers use Snapshot/Health and
// AllowDispatch; writers are the poll loops and Report callbacks.
type Monitor struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	opts      Options
}

// NewMonitor creates an empty monitor.
func NewMonitor(opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 15 * time.Second
	}
	return &Monitor{
		providers: make(map[string]*providerState),
		opts:      opts,
	}
}

// Register adds a provider facade to be polled. Providers start healthy
// with full capacity so the first requests are not blocked on a poll.
func (m *Monitor) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[c.Name()] = &providerState{
		capacity: 1.0,
		checker:  c,
		breaker:  newBreaker(m.opts.FailureThreshold, m.opts.CircuitCooldown),
	}
}

// Run starts one poll loop per registered provider and blocks until the
// context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.mu.RLock()
	states := make([]*providerState, 0, len(m.providers))
	names := make([]string, 0, len(m.providers))
	for name, ps := range m.providers {
		states = append(states, ps)
		names = append(names, name)
	}
	m.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	for i, ps := range states {
		name := names[i]
		ps := ps
		g.Go(func() error {
			m.pollLoop(ctx, name, ps)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) pollLoop(ctx context.Context, name string, ps *providerState) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.pollOnce(ctx, name, ps)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.pollOnce(ctx, name, ps)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context, name string, ps *providerState) {
	pollCtx, cancel := context.WithTimeout(ctx, m.opts.PollInterval)
	defer cancel()

	snap, err := ps.checker.HealthCheck(pollCtx)
	now := time.Now().UTC()

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.lastPolledAt = now
	if err != nil {
		zap.L().Warn("provider health poll failed",
			zap.String("provider", name),
			zap.Error(err),
		)
		ps.capacity = 0
		return
	}
	ps.capacity = snap.CapacityScore
	ps.loadedModels = snap.LoadedModels
}

// ReportFailure records an executor failure against the provider, feeding
// its circuit breaker.
func (m *Monitor) ReportFailure(providerID string) {
	if ps := m.state(providerID); ps != nil {
		ps.breaker.recordFailure()
	}
}

// ReportSuccess records an executor success, closing a half-open circuit.
func (m *Monitor) ReportSuccess(providerID string) {
	if ps := m.state(providerID); ps != nil {
		ps.breaker.recordSuccess()
	}
}

// AllowDispatch reports whether the scheduler may hand work to the
// provider: circuit closed (or this caller holds the half-open probe) and
// capacity above the minimum.
func (m *Monitor) AllowDispatch(providerID string, minCapacity float64) bool {
	ps := m.state(providerID)
	if ps == nil {
		return false
	}

	ps.mu.RLock()
	capacity := ps.capacity
	ps.mu.RUnlock()
	if capacity < minCapacity {
		return false
	}

	allowed, _ := ps.breaker.allow()
	return allowed
}

// Health returns one provider's current health view.
func (m *Monitor) Health(providerID string) (model.ProviderHealth, bool) {
	ps := m.state(providerID)
	if ps == nil {
		return model.ProviderHealth{}, false
	}
	return m.healthOf(providerID, ps), true
}

// Snapshot returns all providers' health, ordered by provider ID.
func (m *Monitor) Snapshot() []model.ProviderHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ProviderHealth, 0, len(m.providers))
	for name, ps := range m.providers {
		out = append(out, m.healthOf(name, ps))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out
}

func (m *Monitor) healthOf(name string, ps *providerState) model.ProviderHealth {
	state, failures := ps.breaker.snapshot()

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return model.ProviderHealth{
		ProviderID:          name,
		CapacityScore:       ps.capacity,
		ConsecutiveFailures: failures,
		LastPolledAt:        ps.lastPolledAt,
		CircuitState:        state,
		LoadedModels:        ps.loadedModels,
	}
}

func (m *Monitor) state(providerID string) *providerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[providerID]
}
