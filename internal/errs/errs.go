// Package errs defines the typed failure taxonomy shared by the retry
// engine, the offline queue, and the session manager. Every Error fixes a
// machine-readable code and a retryability flag so callers branch on data
// rather than on string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Code identifies a failure kind.
type Code string

const (
	CodeNetwork Code = "network"
	CodeTimeout Code = "timeout"
	CodeAPI     Code = "api"
	CodeConfig  Code = "config"
	CodeLimit   Code = "limit"
)

// Error is the base typed failure. Details carries optional structured
// context (HTTP status, field names) for logging and API responses.
type Error struct {
	Code      Code
	Message   string
	Details   map[string]any
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

// WithCause attaches an underlying error and returns the receiver.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail records one structured detail and returns the receiver.
func (e *Error) WithDetail(key string, val any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = val
	return e
}

// Network reports a connectivity-level failure. Always retryable.
func Network(format string, args ...any) *Error {
	return &Error{Code: CodeNetwork, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Timeout reports a deadline exceeded on a remote call. Always retryable.
func Timeout(format string, args ...any) *Error {
	return &Error{Code: CodeTimeout, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// API reports a non-2xx response from the provider. Retryable only for
// server-side (>=500) statuses.
func API(status int, format string, args ...any) *Error {
	e := &Error{
		Code:      CodeAPI,
		Message:   fmt.Sprintf(format, args...),
		Retryable: status >= 500,
	}
	return e.WithDetail("status", status)
}

// Config reports missing or malformed configuration or input. Never retryable.
func Config(format string, args ...any) *Error {
	return &Error{Code: CodeConfig, Message: fmt.Sprintf(format, args...)}
}

// Limit reports a quota or usage limit. Never retryable.
func Limit(format string, args ...any) *Error {
	return &Error{Code: CodeLimit, Message: fmt.Sprintf(format, args...)}
}

// Status returns the HTTP status recorded on an API error, or 0.
func (e *Error) Status() int {
	if s, ok := e.Details["status"].(int); ok {
		return s
	}
	return 0
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// IsRetryable classifies an arbitrary error. Typed errors carry their own
// flag; otherwise only transport-level timeouts and deadline expiry are
// considered transient. A canceled context is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}
	return false
}

// IsCode reports whether err's chain contains an *Error with the given code.
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
