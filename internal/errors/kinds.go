// Package errors classifies failures so callers can route them: task-level
// failures go through the state machine, transient failures are retried, and
// only process-level faults terminate a run.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a stable identifier for a failure class. Kinds cross component
// boundaries and appear in broadcast error events, so they must not change.
type Kind string

const (
	KindCycleDetected    Kind = "cycle_detected"
	KindWorkerTimeout    Kind = "worker_timeout"
	KindWorkerException  Kind = "worker_exception"
	KindToolRejected     Kind = "tool_rejected"
	KindRebaseConflict   Kind = "rebase_conflict"
	KindMergeConflict    Kind = "merge_conflict"
	KindMergeFailure     Kind = "merge_failure"
	KindPhoenixExhausted Kind = "phoenix_exhausted"
	KindLLMFailure       Kind = "llm_failure"
	KindCancelled        Kind = "cancelled"
	KindDeadlock         Kind = "deadlock"
)

// KindError wraps an underlying error with a stable kind.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// New constructs a KindError with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err yields nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// an empty kind.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
