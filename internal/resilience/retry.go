package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// ErrProviderUnavailable is returned when the breaker is open or retries
// are exhausted. Callers degrade to their deterministic fallback instead of
// surfacing this as a hard failure.
var ErrProviderUnavailable = errors.New("provider unavailable")

// RetryPolicy configures the backoff behavior for provider calls.
// The zero value is not usable; start from DefaultRetryPolicy.
type RetryPolicy struct {
	MaxAttempts int           // Total attempts, including the first
	BaseDelay   time.Duration // Delay before the second attempt
	Multiplier  float64       // Backoff growth factor
	MaxDelay    time.Duration // Cap on the per-attempt delay

	// Jitter perturbs a computed delay. Nil means no jitter, which keeps
	// tests deterministic; production wiring uses UniformJitter.
	Jitter func(time.Duration) time.Duration
}

// DefaultRetryPolicy returns the policy used for provider calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
		Jitter:      UniformJitter(rand.Int63()),
	}
}

// UniformJitter returns a jitter function scaling delays by a random factor
// in [0.5, 1.5). The seed makes backoff sequences reproducible in tests.
func UniformJitter(seed int64) func(time.Duration) time.Duration {
	rng := rand.New(rand.NewSource(seed))
	return func(d time.Duration) time.Duration {
		factor := 0.5 + rng.Float64()
		return time.Duration(float64(d) * factor)
	}
}

// delay computes the backoff before the given retry (attempt is zero-based).
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	out := time.Duration(d)
	if p.Jitter != nil {
		out = p.Jitter(out)
	}
	if p.MaxDelay > 0 && out > p.MaxDelay {
		out = p.MaxDelay
	}
	return out
}

// Retryable reports whether an error is a transient network, timeout, or
// server-side failure worth retrying. Validation and auth failures return
// false and propagate immediately.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	errStr := err.Error()

	// Rate limits and transient server errors.
	if containsAny(errStr, "rate limit", "quota exceeded", "429") {
		return true
	}
	if containsAny(errStr, "500", "502", "503", "504", "unavailable") {
		return true
	}

	// Network-level failures reported as plain strings.
	if containsAny(errStr, "connection reset", "connection refused", "timeout", "temporary", "EOF") {
		return true
	}

	return false
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// Do executes fn under the breaker and retry policy.
//
// Each attempt asks the breaker for admission first; an open circuit fails
// fast with ErrProviderUnavailable wrapping ErrCircuitOpen. Transient errors
// are recorded against the breaker and retried with exponential backoff;
// non-retryable errors propagate immediately without touching the failure
// counter, releasing any half-open trial slot so the breaker cannot wedge.
// Exhausted retries yield ErrProviderUnavailable wrapping the last error.
func Do[T any](ctx context.Context, cb *CircuitBreaker, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if cb != nil {
			if err := cb.Allow(); err != nil {
				return zero, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
			}
		}

		result, err := fn(ctx)
		if err == nil {
			if cb != nil {
				cb.Success()
			}
			return result, nil
		}

		if !Retryable(err) {
			if cb != nil {
				cb.Cancel()
			}
			return zero, err
		}

		if cb != nil {
			cb.Failure()
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("canceled during retry: %w", ctx.Err())
		case <-time.After(p.delay(attempt)):
		}
	}

	return zero, fmt.Errorf("%w after %d attempts: %w", ErrProviderUnavailable, p.MaxAttempts, lastErr)
}
