package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unified error code across the backend.
type ErrorCode string

// Provider / execution error codes
const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrGuardrailViolation ErrorCode = "GUARDRAIL_VIOLATION"
	ErrBuildFailed        ErrorCode = "BUILD_FAILED"
	ErrCancelled          ErrorCode = "CANCELLED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrPersistence        ErrorCode = "PERSISTENCE"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTransient reports whether an execution error should be retried by the
// lifecycle controller. Only rate-limit and guardrail/validation failures
// qualify; everything else is terminal on first occurrence.
//
// Providers wrapped by the execution engine do not always surface typed
// errors, so a string match on the error text is kept as a fallback, the
// same classification the status poller exposes to clients.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch GetErrorCode(err) {
	case ErrRateLimit, ErrGuardrailViolation:
		return true
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "rate limit") || strings.Contains(text, "ratelimiterror") || strings.Contains(text, "rate_limit_error") {
		return true
	}
	return strings.Contains(text, "guardrail") || strings.Contains(text, "validation")
}

// IsCancellation reports whether err is a cancellation, which is never
// retried and maps to the CANCELLED terminal status.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if GetErrorCode(err) == ErrCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}
