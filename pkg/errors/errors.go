// Package errors defines the unified error taxonomy for gateway operations.
// Provider-specific failures are classified at the adapter boundary into one
// of the kinds below and bubble up unchanged through retry and fallback.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a stable error code shared by the HTTP surface, the retry policy,
// and the fallback rules.
type Kind string

const (
	KindModelNotFound       Kind = "model_not_found"
	KindProviderNotFound    Kind = "provider_not_found"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindRateLimited         Kind = "rate_limit_exceeded"
	KindAuthFailed          Kind = "auth_failed"
	KindBadRequest          Kind = "bad_request"
	KindTimeout             Kind = "timeout"
	KindContentFiltered     Kind = "content_filtered"
	KindBudgetExceeded      Kind = "budget_exceeded"
	KindCircuitOpen         Kind = "circuit_open"
	KindRoutingLoop         Kind = "routing_loop"
	KindNotSupported        Kind = "not_supported"
	KindUpstreamError       Kind = "upstream_error"
	KindInternal            Kind = "internal_error"
)

// GatewayError is the standardized error carried through the pipeline.
type GatewayError struct {
	Kind       Kind   `json:"code"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	// Categories carries the content filter's flagged categories.
	Categories []string `json:"categories,omitempty"`
	// RetryAfter is set when the upstream supplied a Retry-After hint.
	RetryAfter time.Duration `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s)", e.Kind, e.Message, e.Provider, e.Model)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Retryable reports whether a local retry may succeed.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindProviderUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the response status for this kind.
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindBadRequest, KindNotSupported:
		return http.StatusBadRequest
	case KindAuthFailed:
		return http.StatusUnauthorized
	case KindContentFiltered, KindBudgetExceeded:
		return http.StatusForbidden
	case KindModelNotFound, KindProviderNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindProviderUnavailable, KindUpstreamError, KindCircuitOpen:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// New creates a GatewayError with the given kind and message.
func New(kind Kind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// Newf creates a GatewayError with a formatted message.
func Newf(kind Kind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithProvider annotates the error with the provider and model it came from.
func (e *GatewayError) WithProvider(provider, model string) *GatewayError {
	e.Provider = provider
	e.Model = model
	return e
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Plain errors classify as internal_error; context timeouts as timeout.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// AsGateway returns the GatewayError within err, or wraps err as internal.
func AsGateway(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &GatewayError{Kind: KindTimeout, Message: err.Error()}
	}
	return &GatewayError{Kind: KindInternal, Message: err.Error()}
}

// FromStatus maps an upstream HTTP status to an error kind. It is the single
// classification point for provider responses.
func FromStatus(status int, provider, model, message string) *GatewayError {
	var kind Kind
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = KindAuthFailed
	case http.StatusTooManyRequests:
		kind = KindRateLimited
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = KindBadRequest
	case http.StatusNotFound:
		kind = KindModelNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		kind = KindTimeout
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		kind = KindProviderUnavailable
	default:
		if status >= 500 {
			kind = KindUpstreamError
		} else {
			kind = KindInternal
		}
	}
	return &GatewayError{
		Kind:       kind,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: status,
	}
}
