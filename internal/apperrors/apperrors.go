// Package apperrors defines the error type shared by the HTTP handlers,
// the dispatcher, and the upstream executors. Every user-visible failure is
// represented as an *Error carrying an HTTP status, a stable machine code,
// and a human message.
package apperrors

import (
	"errors"
	"fmt"
)

// Common error codes surfaced in response bodies.
const (
	CodeInvalidRequest   = "invalid_request_error"
	CodeInvalidAPIKey    = "invalid_api_key"
	CodeRateLimited      = "rate_limit_exceeded"
	CodeDuplicateRequest = "duplicate_request"
	CodeQuotaExhausted   = "quota_exhausted"
	CodeAccountsBlocked  = "accounts_unavailable"
	CodeUpstream         = "upstream_error"
	CodeLockTimeout      = "lock_timeout"
	CodeInternal         = "internal_error"
)

// Error is the application error type.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New creates an application error.
func New(status int, code, message string) *Error {
	return &Error{StatusCode: status, Code: code, Message: message}
}

// Wrap creates an application error wrapping err.
func Wrap(err error, status int, code, message string) *Error {
	return &Error{StatusCode: status, Code: code, Message: message, Err: err}
}

// WithDetail attaches a key/value detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// OpenAIBody renders the OpenAI error envelope.
func (e *Error) OpenAIBody() map[string]any {
	errObj := map[string]any{
		"type":    e.Code,
		"message": e.Message,
		"code":    e.Code,
	}
	for k, v := range e.Details {
		errObj[k] = v
	}
	return map[string]any{"error": errObj}
}

// AnthropicBody renders the Anthropic error envelope.
func (e *Error) AnthropicBody() map[string]any {
	errObj := map[string]any{
		"type":    e.Code,
		"message": e.Message,
	}
	for k, v := range e.Details {
		errObj[k] = v
	}
	return map[string]any{"type": "error", "error": errObj}
}

// AsError extracts an *Error from err, or wraps it as a 500 internal error.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(err, 500, CodeInternal, "internal server error")
}
