package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" {
		t.Fatalf("expected ok, got %q", v)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryReturnsLastErrorAfterExhausting(t *testing.T) {
	wantErr := errors.New("always fails")
	calls := 0
	_, err := Retry(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetryStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 5, 10*time.Millisecond, func() (int, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// The sliding window buckets by wall-clock time; these tests use
// minSamples: 1 so a single recorded result is already enough to
// evaluate the failure rate deterministically.

func TestCircuitBreakerOpensAfterFailureRateExceeded(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 6, 1, 0.5, 50*time.Millisecond, 1)
	if !cb.Allow() {
		t.Fatal("expected breaker to allow the first request while closed")
	}
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatal("expected breaker to be open after exceeding failure rate")
	}
}

func TestCircuitBreakerHalfOpensThenCloses(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 6, 1, 0.5, 10*time.Millisecond, 1)
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatal("expected breaker open immediately after tripping")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected breaker to allow a half-open probe after halfOpenAfter elapses")
	}
	cb.RecordResult(true)
	if !cb.Allow() {
		t.Fatal("expected breaker to close after a successful half-open probe")
	}
}

func TestCircuitBreakerIsOpenReflectsState(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 6, 1, 0.5, 50*time.Millisecond, 1)
	if cb.IsOpen() {
		t.Fatal("expected breaker to start closed")
	}
	cb.RecordFailure()
	if !cb.IsOpen() {
		t.Fatal("expected breaker to report open after a tripping failure")
	}
}

func TestCircuitBreakerRecordSuccessKeepsClosed(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 6, 1, 0.5, 50*time.Millisecond, 1)
	cb.RecordSuccess()
	if cb.IsOpen() {
		t.Fatal("expected breaker to remain closed after a success")
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 6, 1, 0.5, 10*time.Millisecond, 2)
	cb.RecordResult(false)
	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected a half-open probe to be allowed")
	}
	cb.RecordResult(false)
	if cb.Allow() {
		t.Fatal("expected breaker to reopen after a failed half-open probe")
	}
}
