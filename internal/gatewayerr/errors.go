// Package gatewayerr defines the error taxonomy shared by adapters, the
// breaker, the router/driver, and the cache. Every error that crosses a
// component boundary is classified into one of these kinds so that callers
// can decide whether to retry, fail over, or surface it immediately.
package gatewayerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry, failover, and HTTP-status purposes.
type Kind string

const (
	KindConfig              Kind = "config"
	KindAuth                Kind = "auth"
	KindRateLimited          Kind = "rate_limited"
	KindBadRequest           Kind = "bad_request"
	KindUnsupportedModel     Kind = "unsupported_model"
	KindUnsupportedFeature   Kind = "unsupported_feature"
	KindProviderTransient    Kind = "provider_transient"
	KindTimeout              Kind = "timeout"
	KindBreakerOpen          Kind = "breaker_open"
	KindNoProvidersAvailable Kind = "no_providers_available"
	KindAllProvidersFailed   Kind = "all_providers_failed"
	KindTruncatedStream      Kind = "truncated_stream"
	KindCancelled            Kind = "cancelled"
	KindInternal             Kind = "internal"
)

// Error is the gateway's standard error shape: a classification, a message,
// and optionally the provider that produced it and a retry hint.
type Error struct {
	Kind       Kind
	Provider   string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind that chains cause.
func Wrap(kind Kind, provider string, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind, Provider: provider}
	}
	return &Error{Kind: kind, Provider: provider, Message: cause.Error(), Cause: cause}
}

// WithRetryAfter attaches a provider-supplied retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors
// that were never classified.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// CountsAsBreakerFailure reports whether an error of this kind should be
// recorded as a circuit-breaker failure. Caller-fault kinds (auth, bad
// request, unsupported model/feature, cancellation) do not: they would
// recur regardless of provider health.
func CountsAsBreakerFailure(kind Kind) bool {
	switch kind {
	case KindProviderTransient, KindTimeout, KindTruncatedStream, KindRateLimited:
		return true
	default:
		return false
	}
}

// IsImmediatelySurfaced reports whether the driver must return this error to
// the caller without trying another provider.
func IsImmediatelySurfaced(kind Kind) bool {
	switch kind {
	case KindAuth, KindBadRequest, KindUnsupportedModel, KindUnsupportedFeature:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code the HTTP collaborator should
// return, per the specification's user-visible mapping.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return 400
	case KindAuth:
		return 401
	case KindUnsupportedModel:
		return 404
	case KindUnsupportedFeature:
		return 422
	case KindRateLimited:
		return 429
	case KindAllProvidersFailed:
		return 502
	case KindNoProvidersAvailable, KindBreakerOpen:
		return 503
	case KindTimeout:
		return 504
	default:
		return 500
	}
}
