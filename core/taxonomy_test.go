package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordErrorWireShape(t *testing.T) {
	e := NewRateLimitError("comm", "agent quota exhausted", 7)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var envelope map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &envelope))

	inner, ok := envelope["error"]
	require.True(t, ok, "wire shape must nest under a top-level error key")

	assert.Equal(t, "RATE_LIMIT.EXCEEDED", inner["code"])
	assert.Equal(t, "agent quota exhausted", inner["message"])
	assert.Equal(t, "WARNING", inner["severity"])
	assert.Equal(t, "comm", inner["component"])
	assert.NotEmpty(t, inner["request_id"])
	assert.NotEmpty(t, inner["timestamp"])
	assert.Contains(t, inner, "documentation_url")
	assert.Nil(t, inner["documentation_url"])

	details, ok := inner["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(7), details["retry_after"])
}

func TestCoordErrorHTTPStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    *CoordError
		status int
	}{
		{"validation", NewValidationError("broker", "bad input"), http.StatusBadRequest},
		{"authentication", NewAuthenticationError("comm", "bad token"), http.StatusUnauthorized},
		{"authorization", NewAuthorizationError("comm", "missing scope"), http.StatusForbidden},
		{"subject mismatch", NewSubjectMismatchError("comm", "bob", "alice"), http.StatusForbidden},
		{"not found", NewResourceNotFound("broker", "nope"), http.StatusNotFound},
		{"agent not found", NewAgentNotFound("broker", "a1"), http.StatusNotFound},
		{"rate limit", NewRateLimitError("comm", "slow down", 2), http.StatusTooManyRequests},
		{"integration", NewIntegrationError("comm", "validator down", nil), http.StatusBadGateway},
		{"timeout", NewTimeoutError("comm", "validator slow", nil), http.StatusGatewayTimeout},
		{"circuit open", NewCircuitOpenError("resilience", nil), http.StatusServiceUnavailable},
		{"system", NewSystemError("broker", "boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
		})
	}
}

func TestWriteHTTPSetsRetryAfterHeader(t *testing.T) {
	e := NewRateLimitError("comm", "slow down", 3)

	rec := httptest.NewRecorder()
	e.WriteHTTP(rec)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var envelope map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "RATE_LIMIT.EXCEEDED", envelope["error"]["code"])
}

func TestConvertPassesTaxonomyThrough(t *testing.T) {
	original := NewAgentNotFound("broker", "a1")
	wrapped := fmt.Errorf("send failed: %w", original)

	converted := Convert(wrapped, "comm")
	assert.Same(t, original, converted, "taxonomy errors must pass through unchanged")
}

func TestConvertStandardMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     string
		category ErrorCategory
	}{
		{"deadline", context.DeadlineExceeded, CodeIntegrationTimeout, CategoryIntegration},
		{"timeout sentinel", fmt.Errorf("op: %w", ErrTimeout), CodeIntegrationTimeout, CategoryIntegration},
		{"connection", fmt.Errorf("dial: %w", ErrConnectionFailed), CodeConnectionFailed, CategoryIntegration},
		{"agent missing", fmt.Errorf("lookup: %w", ErrAgentNotFound), CodeNotFound, CategoryResource},
		{"invalid message", fmt.Errorf("%w: no sender", ErrInvalidMessage), CodeInvalidParams, CategoryValidation},
		{"unknown", errors.New("mystery"), CodeInternalError, CategorySystem},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ce := Convert(tt.err, "test")
			require.NotNil(t, ce)
			assert.Equal(t, tt.code, ce.Code)
			assert.Equal(t, tt.category, ce.Category)
			assert.Equal(t, "test", ce.Component)
		})
	}

	assert.Nil(t, Convert(nil, "test"))
}

func TestCoordErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	e := NewSystemError("broker", "wrapped", cause)

	assert.True(t, errors.Is(e, cause))
}

func TestRequestIDsAreUnique(t *testing.T) {
	a := NewValidationError("x", "one")
	b := NewValidationError("x", "two")
	assert.NotEqual(t, a.RequestID, b.RequestID)
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, IsRateLimited(NewRateLimitError("c", "m", 1)))
	assert.True(t, IsRateLimited(fmt.Errorf("wrap: %w", ErrRateLimitExceeded)))
	assert.False(t, IsRateLimited(NewValidationError("c", "m")))

	assert.True(t, IsCircuitOpen(NewCircuitOpenError("c", nil)))
	assert.True(t, IsCircuitOpen(fmt.Errorf("wrap: %w", ErrCircuitBreakerOpen)))
	assert.False(t, IsCircuitOpen(NewSystemError("c", "m", nil)))

	assert.True(t, IsNotFound(NewAgentNotFound("c", "a1")))
	assert.True(t, IsAuthError(NewAuthenticationError("c", "m")))
	assert.True(t, IsAuthError(NewSubjectMismatchError("c", "s", "a")))
	assert.False(t, IsAuthError(NewValidationError("c", "m")))

	assert.True(t, IsRetryable(NewRateLimitError("c", "m", 1)))
	assert.True(t, IsRetryable(NewIntegrationError("c", "m", nil)))
	assert.True(t, IsRetryable(NewAuthenticationError("c", "m")))
	assert.False(t, IsRetryable(NewAuthorizationError("c", "m")))
	assert.False(t, IsRetryable(NewValidationError("c", "m")))
	assert.False(t, IsRetryable(NewSystemError("c", "m", nil)))
}

func TestRetryAfterParsing(t *testing.T) {
	e := NewRateLimitError("c", "m", 5)
	assert.Equal(t, 5, e.RetryAfter())

	e.Details["retry_after"] = float64(9)
	assert.Equal(t, 9, e.RetryAfter())

	e.Details["retry_after"] = "12"
	assert.Equal(t, 12, e.RetryAfter())

	delete(e.Details, "retry_after")
	assert.Equal(t, 0, e.RetryAfter())
}
