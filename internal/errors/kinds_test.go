package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	err := New(KindCycleDetected, "edge %s -> %s", "a", "b")
	if KindOf(err) != KindCycleDetected {
		t.Errorf("KindOf = %q, want cycle_detected", KindOf(err))
	}

	wrapped := fmt.Errorf("reducer: %w", err)
	if !IsKind(wrapped, KindCycleDetected) {
		t.Error("IsKind failed through wrapping")
	}

	if KindOf(errors.New("plain")) != "" {
		t.Error("plain error should have empty kind")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindMergeFailure, nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"explicit transient", &TransientError{Err: errors.New("x")}, true},
		{"explicit permanent", &PermanentError{Err: errors.New("x")}, false},
		{"context cancelled", context.Canceled, false},
		{"plain", errors.New("x"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return &PermanentError{Err: errors.New("nope")}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("flaky")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
