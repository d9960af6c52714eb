// Package apperr defines the error taxonomy shared by the marketplace core.
// Every error surfaced to a caller carries a stable machine-readable code so
// clients can distinguish retryable conditions from terminal ones.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure.
type Code string

const (
	CodeNotFound            Code = "not_found"
	CodeForbidden           Code = "forbidden"
	CodeConflict            Code = "conflict"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeRateLimited         Code = "rate_limited"
	CodeValidation          Code = "validation"
	CodeUnavailable         Code = "service_unavailable"
	CodeInternal            Code = "internal"
)

// Error is the canonical application error.
type Error struct {
	Code    Code
	Message string
	// Retryable tells the caller whether retrying the same request can
	// succeed (optimistic-version conflicts, rate limits) or not
	// (forbidden, validation).
	Retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so errors.Is(err, apperr.NotFound("")) style checks work
// against any instance with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

func newf(code Code, retryable bool, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// NotFound reports a missing or invisible entity.
func NotFound(format string, args ...any) *Error {
	return newf(CodeNotFound, false, format, args...)
}

// Forbidden reports an authenticated actor lacking permission.
func Forbidden(format string, args ...any) *Error {
	return newf(CodeForbidden, false, format, args...)
}

// Conflict reports a violated state precondition. Conflicts are retryable:
// the caller may re-read and try again.
func Conflict(format string, args ...any) *Error {
	return newf(CodeConflict, true, format, args...)
}

// InsufficientBalance reports a failed ledger spend precondition.
func InsufficientBalance(format string, args ...any) *Error {
	return newf(CodeInsufficientBalance, false, format, args...)
}

// RateLimited reports an exceeded counter-based limit.
func RateLimited(format string, args ...any) *Error {
	return newf(CodeRateLimited, true, format, args...)
}

// Validation reports malformed input, checked before any side effect.
func Validation(format string, args ...any) *Error {
	return newf(CodeValidation, false, format, args...)
}

// Unavailable reports a required collaborator that is not initialized.
func Unavailable(format string, args ...any) *Error {
	return newf(CodeUnavailable, true, format, args...)
}

// Internal wraps an unexpected failure.
func Internal(cause error, format string, args ...any) *Error {
	e := newf(CodeInternal, false, format, args...)
	e.cause = cause
	return e
}

// Wrap attaches a cause to an existing Error without changing its code.
func Wrap(err *Error, cause error) *Error {
	return &Error{Code: err.Code, Message: err.Message, Retryable: err.Retryable, cause: cause}
}

// CodeOf extracts the code from err, or CodeInternal for unknown errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
