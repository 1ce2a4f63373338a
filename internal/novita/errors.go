package novita

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorKind categorizes upstream API failures. Retry and HTTP-mapping
// decisions key off the kind, never off raw status codes.
type ErrorKind string

const (
	KindAuthentication      ErrorKind = "authentication"
	KindNotFound            ErrorKind = "not_found"
	KindRateLimit           ErrorKind = "rate_limit"
	KindServer              ErrorKind = "server"
	KindNetwork             ErrorKind = "network"
	KindTimeout             ErrorKind = "timeout"
	KindClient              ErrorKind = "client"
	KindResourceConstraints ErrorKind = "resource_constraints"
)

// APIError represents a categorized error returned by the Novita API.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string

	// RetryAfter is populated from the Retry-After header on 429s.
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("novita API error [%s]: %s (status: %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("novita API error [%s]: %s", e.Kind, e.Message)
}

// IsNotFound returns true if the error is a 404 Not Found
func (e *APIError) IsNotFound() bool { return e.Kind == KindNotFound }

// IsRateLimited returns true if the error is a 429 Too Many Requests
func (e *APIError) IsRateLimited() bool { return e.Kind == KindRateLimit }

// Retryable reports whether a retry can reasonably succeed.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindNetwork, KindServer:
		return true
	}
	return false
}

// AsAPIError unwraps err to an *APIError when possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsNotFound reports whether err is an authoritative upstream 404.
func IsNotFound(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.IsNotFound()
}

// IsRetryable reports whether err should trigger a retry.
func IsRetryable(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Retryable()
	}
	// Uncategorized transport failures are treated as retryable network errors.
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// resourceConstraintMarkers identify out-of-capacity responses which the
// upstream reports as generic client errors.
var resourceConstraintMarkers = []string{
	"insufficient",
	"out of stock",
	"no available",
	"capacity",
}

// categorizeStatus maps an HTTP status plus response message to an APIError.
func categorizeStatus(statusCode int, message string, retryAfter time.Duration) *APIError {
	apiErr := &APIError{StatusCode: statusCode, Message: message, RetryAfter: retryAfter}

	switch {
	case statusCode == http.StatusUnauthorized:
		apiErr.Kind = KindAuthentication
	case statusCode == http.StatusNotFound:
		apiErr.Kind = KindNotFound
	case statusCode == http.StatusTooManyRequests:
		apiErr.Kind = KindRateLimit
	case statusCode >= 500:
		apiErr.Kind = KindServer
	case statusCode >= 400:
		apiErr.Kind = KindClient
		lower := strings.ToLower(message)
		for _, marker := range resourceConstraintMarkers {
			if strings.Contains(lower, marker) {
				apiErr.Kind = KindResourceConstraints
				break
			}
		}
	default:
		apiErr.Kind = KindServer
	}
	return apiErr
}

// categorizeTransport maps a transport-level failure (no HTTP response)
// to an APIError.
func categorizeTransport(err error) *APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: KindTimeout, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Kind: KindTimeout, Message: err.Error()}
	}
	return &APIError{Kind: KindNetwork, Message: err.Error()}
}
