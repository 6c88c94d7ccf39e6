package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies provider failures
type ErrorKind string

const (
	// KindRateLimited is retryable after backoff
	KindRateLimited ErrorKind = "rate_limited"

	// KindAuthFailed is fatal to the embedding phase
	KindAuthFailed ErrorKind = "auth_failed"

	// KindTransient covers timeouts, network failures and 5xx responses; retryable
	KindTransient ErrorKind = "transient"

	// KindRejected is a request the provider will never accept (other 4xx); not retryable
	KindRejected ErrorKind = "rejected"
)

// ProviderError is returned by providers for every failed call
type ProviderError struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int           // 0 when no HTTP response was received
	RetryAfter time.Duration // Server supplied hint, 0 if absent
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (%s, status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may succeed if repeated
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// ClassifyStatus maps an HTTP status code to an error kind
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailed
	case status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	default:
		return KindRejected
	}
}

// NewStatusError builds a ProviderError from an HTTP status code
func NewStatusError(provider string, status int, err error) *ProviderError {
	return &ProviderError{
		Kind:       ClassifyStatus(status),
		Provider:   provider,
		StatusCode: status,
		Err:        err,
	}
}

// NewTransportError builds a transient ProviderError for failures without a response
func NewTransportError(provider string, err error) *ProviderError {
	return &ProviderError{Kind: KindTransient, Provider: provider, Err: err}
}

// AsProviderError extracts a ProviderError from err's chain
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable provider failure
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable()
	}
	return false
}

// IsAuthFailure reports whether err is an authentication failure
func IsAuthFailure(err error) bool {
	pe, ok := AsProviderError(err)
	return ok && pe.Kind == KindAuthFailed
}

// transportError separates caller cancellation from network trouble
func transportError(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	return NewTransportError(provider, err)
}
