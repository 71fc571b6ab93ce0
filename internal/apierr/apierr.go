// Package apierr defines the typed error taxonomy shared by every component
// of the gateway. The retry layer and the HTTP surface are driven purely by
// the Retryable bit and the HTTP status carried here; nothing else in the
// codebase interprets upstream error strings directly.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies an error into one of the closed taxonomy kinds.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryQuota          Category = "quota"
	CategoryRateLimit      Category = "rate_limit"
	CategoryValidation     Category = "validation"
	CategoryNotFound       Category = "not_found"
	CategoryConflict       Category = "conflict"
	CategoryInternal       Category = "internal"
	CategoryExternalAPI    Category = "external_api"
	CategoryTimeout        Category = "timeout"
	CategoryCircuitBreaker Category = "circuit_breaker"
)

// Error is the typed error value flowing through the pipeline.
type Error struct {
	Category  Category       `json:"category"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`

	// HTTPStatus is the status the HTTP surface responds with. Not part of
	// the serialized body.
	HTTPStatus int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %s", e.Category, e.Code, e.Message)
}

// Is matches errors of the same category, so callers can compare against a
// sentinel built with the same constructor.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Category == other.Category
}

// As unwraps an *Error from err, returning nil if err is not from the
// taxonomy.
func As(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return nil
}

// ========== Constructors ==========

// Authentication builds a 401 authentication failure.
func Authentication(message string) *Error {
	if message == "" {
		message = "Authentication failed"
	}
	return &Error{
		Category:   CategoryAuthentication,
		Code:       "AUTH_FAILED",
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Authorization builds a 403 permission failure.
func Authorization(message string) *Error {
	if message == "" {
		message = "Permission denied"
	}
	return &Error{
		Category:   CategoryAuthorization,
		Code:       "PERMISSION_DENIED",
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// QuotaExceeded builds a retryable 429 quota refusal. clientID, when set, is
// attached to the details map.
func QuotaExceeded(message, clientID string) *Error {
	if message == "" {
		message = "Quota exceeded"
	}
	e := &Error{
		Category:   CategoryQuota,
		Code:       "QUOTA_EXCEEDED",
		Message:    message,
		Retryable:  true,
		HTTPStatus: http.StatusTooManyRequests,
	}
	if clientID != "" {
		e.Details = map[string]any{"client_id": clientID}
	}
	return e
}

// RateLimit builds a retryable 429 rate-limit failure. retryAfter of zero
// leaves the hint out.
func RateLimit(message string, retryAfter int) *Error {
	if message == "" {
		message = "Rate limit exceeded"
	}
	e := &Error{
		Category:   CategoryRateLimit,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    message,
		Retryable:  true,
		HTTPStatus: http.StatusTooManyRequests,
	}
	if retryAfter > 0 {
		e.Details = map[string]any{"retry_after": retryAfter}
	}
	return e
}

// Validation builds a 400 validation failure.
func Validation(message string) *Error {
	if message == "" {
		message = "Validation failed"
	}
	return &Error{
		Category:   CategoryValidation,
		Code:       "VALIDATION_ERROR",
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NotFound builds a 404 failure. resource, when set, is attached to details.
func NotFound(message, resource string) *Error {
	if message == "" {
		message = "Resource not found"
	}
	e := &Error{
		Category:   CategoryNotFound,
		Code:       "NOT_FOUND",
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
	if resource != "" {
		e.Details = map[string]any{"resource": resource}
	}
	return e
}

// Conflict builds a 409 duplicate/conflict failure.
func Conflict(message string) *Error {
	if message == "" {
		message = "Resource conflict"
	}
	return &Error{
		Category:   CategoryConflict,
		Code:       "CONFLICT",
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// Timeout builds a retryable 504 timeout failure.
func Timeout(message string, timeoutSeconds int) *Error {
	if message == "" {
		message = "Operation timed out"
	}
	e := &Error{
		Category:   CategoryTimeout,
		Code:       "TIMEOUT",
		Message:    message,
		Retryable:  true,
		HTTPStatus: http.StatusGatewayTimeout,
	}
	if timeoutSeconds > 0 {
		e.Details = map[string]any{"timeout_seconds": timeoutSeconds}
	}
	return e
}

// CircuitOpen builds a retryable 503 failure for an open circuit breaker.
func CircuitOpen(message string) *Error {
	if message == "" {
		message = "Service temporarily unavailable (circuit breaker open)"
	}
	return &Error{
		Category:   CategoryCircuitBreaker,
		Code:       "CIRCUIT_BREAKER_OPEN",
		Message:    message,
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// External builds a 502 upstream failure. upstreamCode, when set, is recorded
// in details as the original error code.
func External(message, upstreamCode string, retryable bool) *Error {
	e := &Error{
		Category:   CategoryExternalAPI,
		Code:       "EXTERNAL_API_ERROR",
		Message:    message,
		Retryable:  retryable,
		HTTPStatus: http.StatusBadGateway,
	}
	if upstreamCode != "" {
		e.Details = map[string]any{"upstream_error_code": upstreamCode}
	}
	return e
}

// Internal builds a 500 unclassified failure.
func Internal(message string) *Error {
	if message == "" {
		message = "Internal server error"
	}
	return &Error{
		Category:   CategoryInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}
