package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent-related errors
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentAlreadyExists = errors.New("agent already exists")
	ErrNoSuitableAgents   = errors.New("no suitable agents available")

	// Message-related errors
	ErrInvalidMessage   = errors.New("invalid message")
	ErrRecipientMissing = errors.New("recipient required for non-broadcast message")
	ErrMessageExpired   = errors.New("message expired")

	// Auth errors
	ErrInvalidToken      = errors.New("invalid token")
	ErrInsufficientScope = errors.New("insufficient scope")
	ErrSubjectMismatch   = errors.New("token subject does not match agent")

	// Admission errors
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrBrokerClosed   = errors.New("broker is shut down")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// FrameworkError provides structured error information with context
// It implements the error interface and supports error wrapping
type FrameworkError struct {
	Op      string // Operation that failed (e.g., "broker.Send")
	Kind    string // Error kind (e.g., "agent", "message", "config")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError creates a new FrameworkError
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable.
// Authentication failures count as retryable so callers can refresh an
// expired token and try again; authorization failures do not.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimitExceeded) {
		return true
	}
	var ce *CoordError
	if errors.As(err, &ce) {
		switch ce.Category {
		case CategoryAuthentication, CategoryIntegration, CategoryRateLimit:
			return true
		}
	}
	return false
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	if errors.Is(err, ErrAgentNotFound) || errors.Is(err, ErrNoSuitableAgents) {
		return true
	}
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Category == CategoryResource
	}
	return false
}

// IsRateLimited checks if an error is a rate-limit rejection
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimitExceeded) {
		return true
	}
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Category == CategoryRateLimit
	}
	return false
}

// IsCircuitOpen checks if an error came from an open circuit breaker
func IsCircuitOpen(err error) bool {
	if errors.Is(err, ErrCircuitBreakerOpen) {
		return true
	}
	var ce *CoordError
	if errors.As(err, &ce) {
		return ce.Code == CodeCircuitBreakerOpen
	}
	return false
}

// IsAuthError checks if an error is an authentication or authorization failure
func IsAuthError(err error) bool {
	if errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrInsufficientScope) ||
		errors.Is(err, ErrSubjectMismatch) {
		return true
	}
	var ce *CoordError
	if errors.As(err, &ce) {
		switch ce.Category {
		case CategoryAuthentication, CategoryAuthorization:
			return true
		}
	}
	return false
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
