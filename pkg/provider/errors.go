package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a provider failure for fallback decisions.
type ErrorKind string

const (
	KindTimeout        ErrorKind = "timeout"
	KindNetwork        ErrorKind = "network_error"
	KindRateLimited    ErrorKind = "rate_limited"
	KindServer         ErrorKind = "server_error"
	KindAuth           ErrorKind = "auth_error"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindCanceled       ErrorKind = "canceled"
	KindUnavailable    ErrorKind = "unavailable"
)

// Error is a failed provider attempt.
type Error struct {
	Provider   string
	Model      string
	StatusCode int
	Kind       ErrorKind
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s/%s: %s (%d): %s", e.Provider, e.Model, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s: %s", e.Provider, e.Model, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether the next candidate should be tried after err.
// Timeouts, network failures, rate limits and 5xx responses are retryable;
// auth and validation errors and caller cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *Error
	if errors.As(err, &pe) {
		switch pe.Kind {
		case KindTimeout, KindNetwork, KindRateLimited, KindServer, KindUnavailable:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Kind returns the classification of err, or "" when err is not a
// provider error.
func Kind(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return ""
}

func statusKind(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindServer
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	default:
		return KindInvalidRequest
	}
}

// transportError classifies an error returned by the HTTP client or while
// reading a response body.
func transportError(provider, model string, err error) *Error {
	e := &Error{Provider: provider, Model: model, Kind: KindNetwork, Message: err.Error(), Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		e.Kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		e.Kind = KindTimeout
	}
	return e
}

// upstreamError maps an error object carried in a response or stream event.
// Anthropic reports overload as "overloaded_error" inside an otherwise
// successful stream.
func upstreamError(provider, model, errType, message string) *Error {
	kind := KindServer
	switch errType {
	case "rate_limit_error":
		kind = KindRateLimited
	case "authentication_error", "permission_error":
		kind = KindAuth
	case "invalid_request_error", "not_found_error":
		kind = KindInvalidRequest
	}
	return &Error{Provider: provider, Model: model, Kind: kind, Message: message}
}
