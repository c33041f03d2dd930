package model

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and dispatch decisions.
type ErrorKind string

// Failure classification. TransientProvider and RateLimitedExternal are
// retriable; the rest terminate the attempt (and, for Internal, the
// pipeline).
const (
	KindTransientProvider   ErrorKind = "transient_provider"
	KindRateLimitedExternal ErrorKind = "rate_limited_external"
	KindTimeout             ErrorKind = "timeout"
	KindBreakerOpen         ErrorKind = "breaker_open"
	KindInvalidInput        ErrorKind = "invalid_input"
	KindCancelled           ErrorKind = "cancelled"
	KindInternal            ErrorKind = "internal"
)

// Retriable reports whether this kind may be retried by the runner.
func (k ErrorKind) Retriable() bool {
	return k == KindTransientProvider || k == KindRateLimitedExternal
}

// EngineError carries a failure classification plus the offending stage and
// task, so a PipelineResult can surface exactly one root cause.
type EngineError struct {
	Kind    ErrorKind
	StageID string
	TaskID  string
	Err     error
}

func (e *EngineError) Error() string {
	msg := string(e.Kind)
	if e.StageID != "" {
		msg += " [stage " + e.StageID + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// NewError wraps err with a kind and optional stage/task context.
func NewError(kind ErrorKind, stageID, taskID string, err error) *EngineError {
	return &EngineError{Kind: kind, StageID: stageID, TaskID: taskID, Err: err}
}

// Errorf is NewError with a formatted message and no inner error context.
func Errorf(kind ErrorKind, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the classification from err. Context errors map to
// Cancelled/Timeout; anything unclassified is TransientProvider so the
// registered retriable predicate gets the final say.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindTransientProvider
}

// Sentinel errors shared across the store implementations.
var (
	// ErrStateViolation indicates a non-terminal transition was attempted
	// from a terminal state, or a terminal re-transition with different data.
	ErrStateViolation = errors.New("state violation")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
)
