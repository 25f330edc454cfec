package circuitbreaker

import (
	"sync"
	"time"

	"github.com/omni/tokenbridge-relayer/config"
)

// CircuitBreaker trips after threshold failures that happen within window of
// each other, and closes again after resetTimeout or on the next success.
type CircuitBreaker struct {
	failThreshold int
	failureWindow time.Duration
	resetTimeout  time.Duration
	now           func() time.Time

	mu           sync.Mutex
	failureCount int
	lastFailure  time.Time
	tripped      bool
	tripTime     time.Time
}

func NewCircuitBreaker(cfg *config.CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		failThreshold: cfg.Threshold,
		failureWindow: cfg.Window,
		resetTimeout:  cfg.ResetTimeout,
		now:           time.Now,
	}
}

// WithClock replaces the time source.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// RecordFailure registers a failure and reports whether the circuit is open.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	if cb.tripped {
		if now.Sub(cb.tripTime) <= cb.resetTimeout {
			return true
		}
		cb.tripped = false
		cb.failureCount = 0
	}
	if now.Sub(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}
	cb.failureCount++
	cb.lastFailure = now
	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
	}
	return cb.tripped
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = false
	cb.failureCount = 0
}

// IsOpen reports whether the circuit is tripped and the reset timeout has not passed yet.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.resetTimeout {
		cb.tripped = false
		cb.failureCount = 0
	}
	return cb.tripped
}

func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}
