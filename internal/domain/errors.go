package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrConflict          = errors.New("conflict")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrRateLimited       = errors.New("rate limited")
	ErrProviderFailure   = errors.New("provider failure")
	ErrInternal          = errors.New("internal error")
)

// ProviderError classifies a generation provider failure so the worker can
// decide between retrying and failing the execution permanently.
type ProviderError struct {
	Provider  string
	Message   string
	Transient bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return ErrProviderFailure }

// NewTransientProviderError marks a failure as retryable (timeouts, 5xx,
// provider-side rate limiting).
func NewTransientProviderError(provider, message string) *ProviderError {
	return &ProviderError{Provider: provider, Message: message, Transient: true}
}

// NewPermanentProviderError marks a failure as terminal (bad request, auth
// failure, rejected prompt).
func NewPermanentProviderError(provider, message string) *ProviderError {
	return &ProviderError{Provider: provider, Message: message}
}

// RateLimitedError carries the wait hint for a denied request so callers can
// surface a Retry-After value.
type RateLimitedError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

// IsTransientProviderError reports whether err wraps a provider failure
// worth retrying.
func IsTransientProviderError(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}
