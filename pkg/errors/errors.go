// Package errors defines the application error envelope shared by the API
// server, the HTTP client and the lifecycle orchestrator.
package errors

import (
	stderrors "errors"
	"fmt"
)

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Error codes. These double as the "type" field of the wire error envelope.
const (
	ErrCodeParse          = "PARSE_ERROR"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeMethodNotFound = "METHOD_NOT_FOUND"
	ErrCodeInvalidParams  = "INVALID_PARAMS"
	ErrCodeInternal       = "INTERNAL_ERROR"
	ErrCodeServer         = "SERVER_ERROR"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeConflict       = "CONFLICT"
)

// CodeOf returns the AppError code carried by err, or empty string when err
// is not an AppError.
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Retryable reports whether err is worth retrying within the current
// operation's budget. Plain transport errors (not wrapped in an AppError)
// count as retryable: a single network blip must not abort a reconciliation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeServer, ErrCodeInternal, ErrCodeTimeout, "":
		return true
	default:
		return false
	}
}

// IsUnauthorized reports whether err is an authorization failure. Callers
// should re-authenticate instead of retrying.
func IsUnauthorized(err error) bool {
	return CodeOf(err) == ErrCodeUnauthorized
}

// IsTimeout reports whether err is a budget exhaustion or call deadline.
func IsTimeout(err error) bool {
	return CodeOf(err) == ErrCodeTimeout
}

// IsConflict reports whether err is a deploy conflict (a session already
// exists and the caller did not request replacement).
func IsConflict(err error) bool {
	return CodeOf(err) == ErrCodeConflict
}
