// Package fetch provides the uniform HTTP call used by every connector:
// response caching with conditional requests, throttle admission, retry with
// backoff, and provider rate-limit compliance.
package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a failed call. Retry decisions branch on the kind.
type ErrorKind string

// Error kinds, from most to least specific.
const (
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindAuth        ErrorKind = "auth"
	KindValidation  ErrorKind = "validation"
	KindAPIError    ErrorKind = "api_error"
	KindServerError ErrorKind = "server_error"
	KindTransport   ErrorKind = "transport"
)

// Retryable reports whether a call failing with this kind may be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServerError, KindTransport:
		return true
	default:
		return false
	}
}

// APIError is a failed call with its provider classification preserved.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Details    string

	// Reset is the provider-announced rate window reset, for KindRateLimited.
	Reset time.Time

	// Err is the underlying transport error, for KindTransport.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
	}

	if e.Details != "" {
		return fmt.Sprintf("fetch %s (%d): %s: %s", e.Kind, e.StatusCode, e.Message, e.Details)
	}

	return fmt.Sprintf("fetch %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// Unwrap exposes the transport cause.
func (e *APIError) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from err, or KindTransport for unknown errors.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}

	return KindTransport
}

// classifyStatus maps a non-success HTTP status to an error kind.
func classifyStatus(status int, rateLimited bool) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests || rateLimited:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= http.StatusInternalServerError:
		return KindServerError
	default:
		return KindAPIError
	}
}
