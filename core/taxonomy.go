package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Error Taxonomy - Protocol Definitions
// ============================================================================
//
// Every failure that crosses a public subsystem boundary is a *CoordError.
// Raw internal errors never escape a component; Convert performs the standard
// mapping at the boundary. Across subsystems taxonomy errors pass through
// unchanged, and the top-level HTTP handler performs the single conversion to
// the JSON wire form via WriteHTTP.
//
// What's here (protocol definitions):
//   - ErrorCategory / Severity: shared vocabulary
//   - CoordError: structured error with wire serialization
//   - Convert: standard mapping from foreign errors
//   - HTTPStatusForCategory: consistent HTTP status codes

// ErrorCategory classifies errors for HTTP mapping and retry decisions.
type ErrorCategory string

const (
	CategoryAuthentication ErrorCategory = "AUTHENTICATION"
	CategoryAuthorization  ErrorCategory = "AUTHORIZATION"
	CategoryValidation     ErrorCategory = "VALIDATION"
	CategoryResource       ErrorCategory = "RESOURCE"
	CategoryIntegration    ErrorCategory = "INTEGRATION"
	CategorySystem         ErrorCategory = "SYSTEM"
	CategoryRateLimit      ErrorCategory = "RATE_LIMIT"
)

// Severity indicates operational impact, carried on the wire.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
	SeverityInfo     Severity = "INFO"
)

// Hierarchical error codes used by the coordination core.
const (
	CodeInvalidToken           = "AUTH.AUTHENTICATION.INVALID_TOKEN"
	CodeInsufficientScope      = "AUTH.AUTHORIZATION.INSUFFICIENT_SCOPE"
	CodeSubjectMismatch        = "AUTH.AUTHORIZATION.SUBJECT_MISMATCH"
	CodeInvalidParams          = "VALIDATION.INVALID_PARAMS"
	CodeNotFound               = "RESOURCE.NOT_FOUND"
	CodeAgentNotFound          = "ORCHESTRATOR.AGENT_NOT_FOUND"
	CodeTaskDistributionFailed = "ORCHESTRATOR.SYSTEM.TASK_DISTRIBUTION_FAILED"
	CodeRateLimitExceeded      = "RATE_LIMIT.EXCEEDED"
	CodeCircuitBreakerOpen     = "CIRCUIT_BREAKER.OPEN"
	CodeConnectionFailed       = "INTEGRATION.CONNECTION_FAILED"
	CodeIntegrationTimeout     = "INTEGRATION.TIMEOUT"
	CodeInternalError          = "SYSTEM.INTERNAL_ERROR"
)

// CoordError is the structured error value exchanged across subsystem
// boundaries and serialized on the wire.
type CoordError struct {
	Code             string                 // hierarchical, e.g. "AUTH.AUTHENTICATION.INVALID_TOKEN"
	Message          string                 // human-readable description
	Details          map[string]interface{} // additional context, e.g. "retry_after"
	Severity         Severity
	Category         ErrorCategory
	Component        string // emitting component tag, e.g. "broker"
	HTTPStatus       int
	RequestID        string    // unique per error, safe to quote in support channels
	Timestamp        time.Time // UTC
	DocumentationURL string
	Err              error // wrapped cause, not serialized
}

// Error implements the error interface
func (e *CoordError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *CoordError) Unwrap() error {
	return e.Err
}

// RetryAfter returns details["retry_after"] in seconds, or 0 when absent.
func (e *CoordError) RetryAfter() int {
	if e.Details == nil {
		return 0
	}
	switch v := e.Details["retry_after"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return 0
}

type wireError struct {
	Code             string                 `json:"code"`
	Message          string                 `json:"message"`
	Details          map[string]interface{} `json:"details"`
	Severity         Severity               `json:"severity"`
	Component        string                 `json:"component"`
	RequestID        string                 `json:"request_id"`
	Timestamp        string                 `json:"timestamp"`
	DocumentationURL *string                `json:"documentation_url"`
}

type wireEnvelope struct {
	Error wireError `json:"error"`
}

// MarshalJSON emits the stable wire shape:
//
//	{"error": {"code", "message", "details", "severity", "component",
//	           "request_id", "timestamp", "documentation_url"}}
func (e *CoordError) MarshalJSON() ([]byte, error) {
	details := e.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	var docURL *string
	if e.DocumentationURL != "" {
		u := e.DocumentationURL
		docURL = &u
	}
	return json.Marshal(wireEnvelope{Error: wireError{
		Code:             e.Code,
		Message:          e.Message,
		Details:          details,
		Severity:         e.Severity,
		Component:        e.Component,
		RequestID:        e.RequestID,
		Timestamp:        e.Timestamp.UTC().Format(time.RFC3339),
		DocumentationURL: docURL,
	}})
}

// WriteHTTP renders the error as the JSON wire body with the mapped status
// code. For rate-limit errors the retry_after detail is mirrored into the
// Retry-After header.
func (e *CoordError) WriteHTTP(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.HTTPStatus == http.StatusTooManyRequests {
		if ra := e.RetryAfter(); ra > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(ra))
		}
	}
	status := e.HTTPStatus
	if status == 0 {
		status = HTTPStatusForCategory(e.Category)
	}
	w.WriteHeader(status)
	body, err := json.Marshal(e)
	if err != nil {
		body = []byte(`{"error":{"code":"SYSTEM.INTERNAL_ERROR","message":"error serialization failed"}}`)
	}
	_, _ = w.Write(body)
}

// HTTPStatusForCategory returns the appropriate HTTP status code for an
// error category:
//   - VALIDATION     → 400 Bad Request
//   - AUTHENTICATION → 401 Unauthorized
//   - AUTHORIZATION  → 403 Forbidden
//   - RESOURCE       → 404 Not Found
//   - RATE_LIMIT     → 429 Too Many Requests
//   - INTEGRATION    → 502 Bad Gateway (504 for timeouts, set per-code)
//   - SYSTEM/unknown → 500 Internal Server Error
func HTTPStatusForCategory(category ErrorCategory) int {
	switch category {
	case CategoryValidation:
		return http.StatusBadRequest // 400
	case CategoryAuthentication:
		return http.StatusUnauthorized // 401
	case CategoryAuthorization:
		return http.StatusForbidden // 403
	case CategoryResource:
		return http.StatusNotFound // 404
	case CategoryRateLimit:
		return http.StatusTooManyRequests // 429
	case CategoryIntegration:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

func defaultSeverity(category ErrorCategory) Severity {
	switch category {
	case CategoryIntegration, CategorySystem:
		return SeverityError
	default:
		return SeverityWarning
	}
}

func newCoordError(code string, category ErrorCategory, component, message string) *CoordError {
	return &CoordError{
		Code:       code,
		Message:    message,
		Details:    map[string]interface{}{},
		Severity:   defaultSeverity(category),
		Category:   category,
		Component:  component,
		HTTPStatus: HTTPStatusForCategory(category),
		RequestID:  uuid.New().String(),
		Timestamp:  time.Now().UTC(),
	}
}

// NewAuthenticationError reports an invalid or unverifiable token.
func NewAuthenticationError(component, message string) *CoordError {
	e := newCoordError(CodeInvalidToken, CategoryAuthentication, component, message)
	e.Err = ErrInvalidToken
	return e
}

// NewAuthorizationError reports a valid token lacking a required scope.
func NewAuthorizationError(component, message string) *CoordError {
	e := newCoordError(CodeInsufficientScope, CategoryAuthorization, component, message)
	e.Err = ErrInsufficientScope
	return e
}

// NewSubjectMismatchError reports a token whose subject does not match the
// agent named by the operation.
func NewSubjectMismatchError(component, subject, agentID string) *CoordError {
	e := newCoordError(CodeSubjectMismatch, CategoryAuthorization, component,
		fmt.Sprintf("token subject %q cannot act for agent %q", subject, agentID))
	e.Details["subject"] = subject
	e.Details["agent_id"] = agentID
	e.Err = ErrSubjectMismatch
	return e
}

// NewValidationError reports malformed input.
func NewValidationError(component, message string) *CoordError {
	return newCoordError(CodeInvalidParams, CategoryValidation, component, message)
}

// NewResourceNotFound reports a missing resource.
func NewResourceNotFound(component, message string) *CoordError {
	return newCoordError(CodeNotFound, CategoryResource, component, message)
}

// NewAgentNotFound reports an unknown agent id.
func NewAgentNotFound(component, agentID string) *CoordError {
	e := newCoordError(CodeAgentNotFound, CategoryResource, component,
		fmt.Sprintf("agent %q is not registered", agentID))
	e.Details["agent_id"] = agentID
	e.Err = ErrAgentNotFound
	return e
}

// NewTaskDistributionFailed reports that no registered agent could take a task.
func NewTaskDistributionFailed(component, message string) *CoordError {
	e := newCoordError(CodeTaskDistributionFailed, CategoryResource, component, message)
	e.Err = ErrNoSuitableAgents
	return e
}

// NewIntegrationError reports a failed call to an external collaborator.
func NewIntegrationError(component, message string, cause error) *CoordError {
	e := newCoordError(CodeConnectionFailed, CategoryIntegration, component, message)
	e.Err = cause
	return e
}

// NewTimeoutError reports an external call exceeding its deadline.
func NewTimeoutError(component, message string, cause error) *CoordError {
	e := newCoordError(CodeIntegrationTimeout, CategoryIntegration, component, message)
	e.HTTPStatus = http.StatusGatewayTimeout // 504
	e.Err = cause
	return e
}

// NewSystemError reports an unexpected internal failure.
func NewSystemError(component, message string, cause error) *CoordError {
	e := newCoordError(CodeInternalError, CategorySystem, component, message)
	e.Err = cause
	return e
}

// NewRateLimitError reports an admission rejection with the retry hint.
func NewRateLimitError(component, message string, retryAfter int) *CoordError {
	e := newCoordError(CodeRateLimitExceeded, CategoryRateLimit, component, message)
	e.Details["retry_after"] = retryAfter
	e.Err = ErrRateLimitExceeded
	return e
}

// NewCircuitOpenError reports a fail-fast rejection by an open breaker.
// Details carry the breaker snapshot: state, reset_timeout, last_failure_at,
// time_remaining.
func NewCircuitOpenError(component string, details map[string]interface{}) *CoordError {
	e := newCoordError(CodeCircuitBreakerOpen, CategorySystem, component, "circuit breaker is open")
	e.HTTPStatus = http.StatusServiceUnavailable // 503
	for k, v := range details {
		e.Details[k] = v
	}
	e.Err = ErrCircuitBreakerOpen
	return e
}

// Convert maps a foreign error to the taxonomy at a component boundary.
// Taxonomy errors pass through unchanged. The standard conversion:
// connect/timeout → INTEGRATION, value-shape → VALIDATION.INVALID_PARAMS,
// not-found → RESOURCE.NOT_FOUND, otherwise SYSTEM.INTERNAL_ERROR.
func Convert(err error, component string) *CoordError {
	if err == nil {
		return nil
	}
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		e := NewTimeoutError(component, err.Error(), err)
		return e
	case errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrRequestFailed):
		return NewIntegrationError(component, err.Error(), err)
	case errors.Is(err, ErrAgentNotFound):
		e := NewResourceNotFound(component, err.Error())
		e.Err = err
		return e
	case errors.Is(err, ErrInvalidToken):
		e := NewAuthenticationError(component, err.Error())
		e.Err = err
		return e
	case errors.Is(err, ErrInsufficientScope), errors.Is(err, ErrSubjectMismatch):
		e := NewAuthorizationError(component, err.Error())
		e.Err = err
		return e
	case errors.Is(err, ErrRateLimitExceeded):
		return NewRateLimitError(component, err.Error(), 1)
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrRecipientMissing),
		errors.Is(err, ErrInvalidConfiguration), errors.Is(err, ErrMissingConfiguration):
		e := NewValidationError(component, err.Error())
		e.Err = err
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewTimeoutError(component, err.Error(), err)
		}
		return NewIntegrationError(component, err.Error(), err)
	}

	return NewSystemError(component, err.Error(), err)
}
