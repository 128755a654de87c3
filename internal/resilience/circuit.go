// Package resilience guards outbound calls to remote providers with a
// retry-with-backoff policy and a circuit breaker.
//
// One CircuitBreaker instance exists per guarded dependency and lives for
// the whole process. It is the single source of truth for "is the provider
// currently healthy"; callers must route every remote call through Do
// rather than building ad-hoc retry loops.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operation state.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects all requests until the cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen allows a single trial request to probe recovery.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening (default: 5)
	Cooldown         time.Duration // Time before allowing a trial call (default: 60s)
}

// DefaultCircuitBreakerConfig returns the defaults used for provider calls.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
	}
}

// ErrCircuitOpen is returned when the circuit rejects a call outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements the circuit breaker pattern. It is safe for
// concurrent use; the cool-down is checked lazily on access rather than by
// a background timer.
type CircuitBreaker struct {
	mu sync.Mutex

	state       CircuitState
	failures    int
	probing     bool
	lastFailure time.Time

	failureThreshold int
	cooldown         time.Duration

	// now is swappable in tests.
	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}

	return &CircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		now:              time.Now,
	}
}

// Allow reports whether a request may proceed. In the open state the
// cool-down is evaluated here: once it has elapsed the breaker moves to
// half-open and admits exactly one trial call; further callers are rejected
// until that trial resolves via Success or Failure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cooldown {
			cb.state = CircuitHalfOpen
			cb.probing = true
			return nil
		}
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

// Success records a successful call. A success from half-open closes the
// breaker and resets the failure counter.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitClosed
		cb.failures = 0
		cb.probing = false
	case CircuitClosed:
		cb.failures = 0
	}
}

// Failure records a failed call. Reaching the threshold in the closed state
// opens the breaker; any failure in half-open reopens it and restarts the
// cool-down clock.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.failureThreshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		cb.probing = false
	}
}

// Cancel releases a half-open trial slot without recording an outcome.
// Used when the trial ended with a non-retryable error, which says nothing
// about provider health; the breaker stays half-open and the next caller
// gets the trial slot.
func (cb *CircuitBreaker) Cancel() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.probing = false
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive-failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset returns the breaker to the closed state. Primarily for tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
	cb.lastFailure = time.Time{}
}
