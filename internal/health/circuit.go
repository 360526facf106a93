package health

import (
	"sync"
	"time"

	"github.com/sells-group/inference-gateway/internal/model"
)

// breaker is a per-provider circuit breaker. It opens after a configured
// number of consecutive failures, transitions open→half-open only after
// the cooldown interval, and half-open→closed only after one successful
// probe. In half-open state exactly one probe dispatch is allowed at a
// time.
type breaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration

	state               model.CircuitState
	consecutiveFailures int
	lastFailureAt       time.Time
	probeInFlight       bool

	nowFunc func() time.Time
}

func newBreaker(failureThreshold int, cooldown time.Duration) *breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		state:            model.CircuitClosed,
		nowFunc:          time.Now,
	}
}

// allow reports whether a dispatch may proceed. The second return is true
// when the caller holds the designated half-open probe slot.
func (b *breaker) allow() (allowed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.CircuitClosed:
		return true, false
	case model.CircuitOpen:
		if b.nowFunc().Sub(b.lastFailureAt) >= b.cooldown {
			b.state = model.CircuitHalfOpen
			b.probeInFlight = true
			return true, true
		}
		return false, false
	case model.CircuitHalfOpen:
		if b.probeInFlight {
			return false, false
		}
		b.probeInFlight = true
		return true, true
	default:
		return false, false
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.CircuitHalfOpen:
		b.state = model.CircuitClosed
		b.probeInFlight = false
		b.consecutiveFailures = 0
	case model.CircuitClosed:
		b.consecutiveFailures = 0
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureAt = b.nowFunc()

	switch b.state {
	case model.CircuitClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = model.CircuitOpen
		}
	case model.CircuitHalfOpen:
		// A failed probe reopens the circuit.
		b.state = model.CircuitOpen
		b.probeInFlight = false
	}
}

// snapshot returns the externally visible state. An open circuit past its
// cooldown reads as half-open.
func (b *breaker) snapshot() (model.CircuitState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.state
	if state == model.CircuitOpen && b.nowFunc().Sub(b.lastFailureAt) >= b.cooldown {
		state = model.CircuitHalfOpen
	}
	return state, b.consecutiveFailures
}
