package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFailureMatchesSentinelByCode(t *testing.T) {
	err := New(CodeInsufficientCapacity, "device %s/%d is not available", "A100", 0)
	if !errors.Is(err, ErrInsufficientCapacity) {
		t.Fatalf("expected errors.Is to match sentinel: %v", err)
	}
	if errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("unexpected match against a different code")
	}
	wrapped := fmt.Errorf("allocate: %w", err)
	if CodeOf(wrapped) != CodeInsufficientCapacity {
		t.Fatalf("CodeOf lost the code through wrapping: %q", CodeOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(CodePersistenceFailure, cause, "insert lease")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if got, want := err.Error(), "persistence_failure: insert lease: connection refused"; got != want {
		t.Fatalf("Error()=%q want %q", got, want)
	}
	if Wrap(CodePersistenceFailure, nil, "noop") != nil {
		t.Fatalf("Wrap(nil) must return nil")
	}
}

func TestOutermostCodeWins(t *testing.T) {
	inner := New(CodeProbeFailure, "nvidia-smi failed")
	outer := Wrap(CodePersistenceFailure, inner, "outer")
	if CodeOf(outer) != CodePersistenceFailure {
		t.Fatalf("expected outer code, got %q", CodeOf(outer))
	}
	if !Is(outer, CodeProbeFailure) {
		t.Fatalf("expected inner code to remain matchable")
	}
}

func TestRetryable(t *testing.T) {
	lock := &Failure{Code: CodeLockTimeout, Detail: "pool lock busy", RetryAfter: time.Second}
	if !Retryable(lock) {
		t.Fatalf("lock timeout must be retryable")
	}
	if RetryAfter(fmt.Errorf("wrapped: %w", lock)) != time.Second {
		t.Fatalf("retry hint lost")
	}
	if Retryable(New(CodeInsufficientCapacity, "full")) {
		t.Fatalf("capacity failures are not retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Fatalf("plain errors are not retryable")
	}
}
