package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCircuitState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State %d: got %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	for i := 0; i < 4; i++ {
		cb.Failure()
		if cb.State() != CircuitClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 5", i+1)
		}
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Fatal("breaker should open after 5 consecutive failures")
	}

	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("open breaker must reject calls, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	cb.Failure()
	cb.Failure()
	cb.Success()

	if got := cb.Failures(); got != 0 {
		t.Errorf("success should reset the failure counter, got %d", got)
	}
	if cb.State() != CircuitClosed {
		t.Error("breaker should remain closed")
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5, Cooldown: time.Minute})

	now := time.Now()
	cb.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		cb.Failure()
	}
	if cb.State() != CircuitOpen {
		t.Fatal("expected open state")
	}

	// Still within the cool-down window.
	now = now.Add(30 * time.Second)
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatal("call inside cool-down should be rejected")
	}

	// Past the window: exactly one trial call is admitted.
	now = now.Add(31 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatalf("trial call should be admitted after cool-down: %v", err)
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %v", cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Error("second call during the trial must be rejected")
	}
}

func TestCircuitBreaker_HalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	now := time.Now()
	cb.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		cb.Failure()
	}
	now = now.Add(61 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatal(err)
	}

	cb.Success()
	if cb.State() != CircuitClosed {
		t.Error("one success from half-open must close the breaker")
	}
	if cb.Failures() != 0 {
		t.Error("closing from half-open must reset the failure counter")
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	now := time.Now()
	cb.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		cb.Failure()
	}
	now = now.Add(61 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatal(err)
	}

	cb.Failure()
	if cb.State() != CircuitOpen {
		t.Error("failure from half-open must reopen the breaker")
	}

	// The cool-down clock restarted: an immediate call is rejected, one
	// full window later a new trial is admitted.
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Error("reopened breaker must reject immediately")
	}
	now = now.Add(61 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Errorf("trial should be admitted after restarted cool-down: %v", err)
	}
}

func TestCircuitBreaker_CancelReleasesTrialSlot(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	now := time.Now()
	cb.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		cb.Failure()
	}
	now = now.Add(61 * time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatal(err)
	}

	// Trial ended without a health verdict (e.g. an auth failure).
	cb.Cancel()
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("cancel must keep the breaker half-open, got %v", cb.State())
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("next caller must get the trial slot after cancel: %v", err)
	}
}

func TestCircuitBreaker_CancelOutsideHalfOpenIsNoop(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	cb.Cancel()
	if cb.State() != CircuitClosed {
		t.Errorf("cancel on a closed breaker must not change state, got %v", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	for i := 0; i < 5; i++ {
		cb.Failure()
	}

	cb.Reset()
	if cb.State() != CircuitClosed || cb.Failures() != 0 {
		t.Error("reset should restore the initial closed state")
	}
}

func TestCircuitBreaker_ConcurrentFailures(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 100, Cooldown: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				cb.Failure()
			}
		}()
	}
	wg.Wait()

	if got := cb.Failures(); got != 100 {
		t.Errorf("lost updates under concurrency: got %d failures, want 100", got)
	}
	if cb.State() != CircuitOpen {
		t.Error("breaker should be open at the threshold")
	}
}
