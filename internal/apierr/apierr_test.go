package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructorDefaults(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		category  Category
		code      string
		status    int
		retryable bool
	}{
		{"authentication", Authentication(""), CategoryAuthentication, "AUTH_FAILED", http.StatusUnauthorized, false},
		{"authorization", Authorization(""), CategoryAuthorization, "PERMISSION_DENIED", http.StatusForbidden, false},
		{"quota", QuotaExceeded("", ""), CategoryQuota, "QUOTA_EXCEEDED", http.StatusTooManyRequests, true},
		{"rate limit", RateLimit("", 0), CategoryRateLimit, "RATE_LIMIT_EXCEEDED", http.StatusTooManyRequests, true},
		{"validation", Validation(""), CategoryValidation, "VALIDATION_ERROR", http.StatusBadRequest, false},
		{"not found", NotFound("", ""), CategoryNotFound, "NOT_FOUND", http.StatusNotFound, false},
		{"conflict", Conflict(""), CategoryConflict, "CONFLICT", http.StatusConflict, false},
		{"timeout", Timeout("", 0), CategoryTimeout, "TIMEOUT", http.StatusGatewayTimeout, true},
		{"circuit breaker", CircuitOpen(""), CategoryCircuitBreaker, "CIRCUIT_BREAKER_OPEN", http.StatusServiceUnavailable, true},
		{"external", External("boom", "", false), CategoryExternalAPI, "EXTERNAL_API_ERROR", http.StatusBadGateway, false},
		{"internal", Internal(""), CategoryInternal, "INTERNAL_ERROR", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Category != tt.category {
				t.Errorf("category = %q, want %q", tt.err.Category, tt.category)
			}
			if tt.err.Code != tt.code {
				t.Errorf("code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.HTTPStatus != tt.status {
				t.Errorf("status = %d, want %d", tt.err.HTTPStatus, tt.status)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
		})
	}
}

func TestQuotaExceededAttachesClientID(t *testing.T) {
	err := QuotaExceeded("no budget", "client-7")
	if err.Details["client_id"] != "client-7" {
		t.Errorf("details = %v, want client_id=client-7", err.Details)
	}
}

func TestErrorsAsUnwrapsThroughWrapping(t *testing.T) {
	base := RateLimit("slow down", 30)
	wrapped := fmt.Errorf("calling upstream: %w", base)

	got := As(wrapped)
	if got == nil {
		t.Fatal("As() returned nil for wrapped taxonomy error")
	}
	if got.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q", got.Code)
	}
	if As(errors.New("plain")) != nil {
		t.Error("As() matched a non-taxonomy error")
	}
}

func TestMapUpstreamTable(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		retryable bool
	}{
		{"AUTHENTICATION_ERROR", CategoryAuthentication, false},
		{"AUTHORIZATION_ERROR", CategoryAuthorization, false},
		{"QUOTA_ERROR", CategoryQuota, true},
		{"RESOURCE_EXHAUSTED", CategoryQuota, true},
		{"RATE_LIMIT_ERROR", CategoryRateLimit, true},
		{"INVALID_ARGUMENT", CategoryValidation, false},
		{"NOT_FOUND", CategoryNotFound, false},
		{"ALREADY_EXISTS", CategoryConflict, false},
		{"DEADLINE_EXCEEDED", CategoryTimeout, true},
		{"INTERNAL_ERROR", CategoryInternal, false},
		{"UNAVAILABLE", CategoryExternalAPI, true},
		{"SOMETHING_NEW", CategoryExternalAPI, false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			mapped := MapUpstream(&UpstreamError{Code: tt.code, Message: "upstream said no"})
			if mapped.Category != tt.category {
				t.Errorf("category = %q, want %q", mapped.Category, tt.category)
			}
			if mapped.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", mapped.Retryable, tt.retryable)
			}
		})
	}
}

func TestMapUpstreamPassesThroughTaxonomyErrors(t *testing.T) {
	orig := QuotaExceeded("already classified", "c1")
	if got := MapUpstream(orig); got != orig {
		t.Error("taxonomy error was re-mapped instead of passed through")
	}
}

func TestMapUpstreamUnknownErrorType(t *testing.T) {
	mapped := MapUpstream(errors.New("socket closed"))
	if mapped.Category != CategoryExternalAPI {
		t.Errorf("category = %q, want external_api", mapped.Category)
	}
	if mapped.Retryable {
		t.Error("unknown errors must not be retryable")
	}
	if mapped.Details["upstream_error_code"] != "UNKNOWN" {
		t.Errorf("details = %v", mapped.Details)
	}
}
