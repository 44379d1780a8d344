// Package fault defines the error kinds surfaced by the arbiter. A Failure is
// transport-neutral: the CLI and any future adapter map Code to their own
// status representation.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a Failure.
type Code string

const (
	CodeLockTimeout            Code = "lock_timeout"
	CodeInsufficientCapacity   Code = "insufficient_capacity"
	CodeInvalidRequest         Code = "invalid_request"
	CodePermissionGrantFailed  Code = "permission_grant_failed"
	CodePermissionRevokeFailed Code = "permission_revoke_failed"
	CodePersistenceFailure     Code = "persistence_failure"
	CodeProbeFailure           Code = "probe_failure"
)

// Sentinels for errors.Is; a Failure matches any sentinel with the same Code.
var (
	ErrLockTimeout            = &Failure{Code: CodeLockTimeout}
	ErrInsufficientCapacity   = &Failure{Code: CodeInsufficientCapacity}
	ErrInvalidRequest         = &Failure{Code: CodeInvalidRequest}
	ErrPermissionGrantFailed  = &Failure{Code: CodePermissionGrantFailed}
	ErrPermissionRevokeFailed = &Failure{Code: CodePermissionRevokeFailed}
	ErrPersistenceFailure     = &Failure{Code: CodePersistenceFailure}
	ErrProbeFailure           = &Failure{Code: CodeProbeFailure}
)

// Failure captures an error kind plus detail and the underlying cause.
type Failure struct {
	Code       Code
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	switch {
	case f.Detail != "" && f.Err != nil:
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Detail, f.Err)
	case f.Detail != "":
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	case f.Err != nil:
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return string(f.Code)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is reports whether target is a Failure with the same Code.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Code == f.Code
}

// New returns a Failure without an underlying cause.
func New(code Code, format string, args ...any) error {
	return &Failure{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap returns a Failure around err, or nil when err is nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Failure{Code: code, Detail: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the Code of the outermost Failure in err's chain, or "".
func CodeOf(err error) Code {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Is reports whether err carries a Failure with code anywhere in its chain.
func Is(err error, code Code) bool {
	return errors.Is(err, &Failure{Code: code})
}

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	return CodeOf(err) == CodeLockTimeout
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var f *Failure
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}
