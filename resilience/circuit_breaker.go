// Package resilience provides the failure-isolation layer of the coordination
// core: circuit breakers with a shared registry, and a taxonomy-aware retry
// executor.
//
// A breaker guards one named downstream dependency. Failures are counted in a
// sliding time window; when the count reaches the configured threshold the
// breaker opens and rejects calls without invoking them. After a reset
// timeout a limited number of probe requests is admitted, and the breaker
// closes again once enough probes succeed.
//
// Usage:
//
//	cb, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
//	    Name: "agent_communication",
//	})
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//	    return client.Call(ctx, req)
//	})
//
// Callers that manage their own invocation use the lower-level triple
// Allow / RecordSuccess / RecordFailure.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int32

const (
	// StateClosed allows all requests through.
	StateClosed CircuitState = iota
	// StateOpen rejects all requests until the reset timeout elapses.
	StateOpen
	// StateHalfOpen admits a limited number of probe requests.
	StateHalfOpen
)

// String returns the canonical name of the state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrorClassifier decides whether an error counts toward the failure
// threshold. Errors it rejects propagate to the caller without touching the
// breaker state.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts every error except context cancellation,
// which means the client gave up, not that the dependency failed.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// SandboxErrorClassifier builds a classifier for breakers guarding a
// container engine: only errors whose concrete type name is in typeNames, or
// whose defining package path contains "dagger", count as failures. With no
// typeNames the standard engine error types are used.
func SandboxErrorClassifier(typeNames []string) ErrorClassifier {
	if len(typeNames) == 0 {
		typeNames = []string{"ConnectionError", "TimeoutError", "InternalError", "ResourceExhaustedError"}
	}
	names := make(map[string]bool, len(typeNames))
	for _, n := range typeNames {
		names[n] = true
	}
	return func(err error) bool {
		for e := err; e != nil; e = errors.Unwrap(e) {
			t := reflect.TypeOf(e)
			if t == nil {
				continue
			}
			if t.Kind() == reflect.Ptr {
				t = t.Elem()
			}
			if names[t.Name()] || strings.Contains(t.PkgPath(), "dagger") {
				return true
			}
		}
		return false
	}
}

// CircuitBreakerConfig holds configuration for one circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs, metrics, and errors.
	Name string

	// FailureThreshold is the number of failures within WindowSize that
	// trips the breaker open.
	FailureThreshold int

	// ResetTimeout is how long an open breaker waits before admitting
	// half-open probes.
	ResetTimeout time.Duration

	// HalfOpenLimit bounds concurrent half-open probes and is the number of
	// probe successes required to close.
	HalfOpenLimit int

	// WindowSize is the sliding window over which failures are counted.
	WindowSize time.Duration

	// ErrorClassifier determines which errors count as failures.
	ErrorClassifier ErrorClassifier

	// Logger for state transitions and rejections.
	Logger core.Logger

	// Telemetry for transition and rejection counters.
	Telemetry core.Telemetry
}

// DefaultCircuitBreakerConfig returns the standard breaker shape.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenLimit:    3,
		WindowSize:       60 * time.Second,
		ErrorClassifier:  DefaultErrorClassifier,
	}
}

// Validate rejects configurations that cannot express a working breaker.
// Zero values are filled with defaults by NewCircuitBreaker before this runs.
func (c *CircuitBreakerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: breaker name required", core.ErrInvalidConfiguration)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: failure_threshold must be >= 1, got %d", core.ErrInvalidConfiguration, c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("%w: reset_timeout must be > 0, got %s", core.ErrInvalidConfiguration, c.ResetTimeout)
	}
	if c.HalfOpenLimit < 1 {
		return fmt.Errorf("%w: half_open_limit must be >= 1, got %d", core.ErrInvalidConfiguration, c.HalfOpenLimit)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("%w: window_size must be > 0, got %s", core.ErrInvalidConfiguration, c.WindowSize)
	}
	return nil
}

// transitionRingSize bounds the retained state-transition history.
const transitionRingSize = 16

// StateTransition is one recorded state change.
type StateTransition struct {
	From   CircuitState
	To     CircuitState
	At     time.Time
	Reason string
}

// CircuitBreaker tracks failures for one named dependency and fails fast
// while that dependency is considered down. State reads are lock-free; every
// transition happens under the breaker's mutex, so transitions are
// linearizable.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	// state is read without the lock by State(); writes happen in
	// transitionLocked under mu.
	state atomic.Int32

	mu                sync.Mutex
	failures          []time.Time
	lastFailureAt     time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	totalRequests     uint64
	preventedRequests uint64
	totalSuccesses    uint64
	totalFailures     uint64

	transitions     [transitionRingSize]StateTransition
	transitionCount uint64
}

// NewCircuitBreaker creates a circuit breaker. A nil config gets the default
// shape; zero-valued fields are filled with defaults before validation.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultCircuitBreakerConfig("default")
	}
	defaults := DefaultCircuitBreakerConfig(config.Name)
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenLimit == 0 {
		config.HalfOpenLimit = defaults.HalfOpenLimit
	}
	if config.WindowSize == 0 {
		config.WindowSize = defaults.WindowSize
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	config.Logger = core.ComponentLogger(config.Logger, "framework/resilience")
	if config.Telemetry == nil {
		config.Telemetry = &core.NoOpTelemetry{}
	}

	if err := config.Validate(); err != nil {
		config.Logger.Error("Circuit breaker configuration rejected", map[string]interface{}{
			"operation": "circuit_breaker_validation_failed",
			"name":      config.Name,
			"error":     err.Error(),
		})
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	cb := &CircuitBreaker{config: config}
	cb.state.Store(int32(StateClosed))

	config.Logger.Info("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"reset_timeout_ms":  config.ResetTimeout.Milliseconds(),
		"half_open_limit":   config.HalfOpenLimit,
		"window_size_ms":    config.WindowSize.Milliseconds(),
	})
	return cb, nil
}

// SetLogger replaces the breaker's logger. The component tag is always
// "framework/resilience" so log attribution stays stable.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	cb.config.Logger = core.ComponentLogger(logger, "framework/resilience")
}

// Name returns the breaker's identity.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current state without taking the lock.
func (cb *CircuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

// Allow reports whether a request may proceed right now. An open breaker
// whose reset timeout has elapsed flips to half-open and admits the caller as
// the first probe. Callers that receive true must follow up with
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		return true

	case StateOpen:
		if now.Sub(cb.lastFailureAt) >= cb.config.ResetTimeout {
			cb.transitionLocked(StateHalfOpen, "reset timeout elapsed", now)
			cb.halfOpenInFlight = 1
			cb.halfOpenSuccesses = 0
			return true
		}
		cb.preventedLocked()
		return false

	default: // StateHalfOpen
		if cb.halfOpenInFlight < cb.config.HalfOpenLimit {
			cb.halfOpenInFlight++
			return true
		}
		cb.preventedLocked()
		return false
	}
}

// RecordSuccess reports a successful call. In half-open state it releases the
// probe slot and closes the breaker once enough probes have succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	if CircuitState(cb.state.Load()) != StateHalfOpen {
		return
	}
	if cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	cb.halfOpenSuccesses++
	if cb.halfOpenSuccesses >= cb.config.HalfOpenLimit {
		cb.failures = cb.failures[:0]
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccesses = 0
		cb.transitionLocked(StateClosed, "half-open probes succeeded", now)
	}
}

// RecordFailure reports a failed call. In closed state the failure joins the
// sliding window and may trip the breaker; in half-open state any failure
// reopens it. Failures reported while open refresh the reset deadline.
func (cb *CircuitBreaker) RecordFailure() {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.lastFailureAt = now

	switch CircuitState(cb.state.Load()) {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen,
				fmt.Sprintf("%d failures within %s", len(cb.failures), cb.config.WindowSize), now)
		}

	case StateHalfOpen:
		cb.halfOpenInFlight = 0
		cb.halfOpenSuccesses = 0
		cb.transitionLocked(StateOpen, "half-open probe failed", now)

	case StateOpen:
		// Late completion of a request admitted before the trip. The breaker
		// stays open and the refreshed lastFailureAt extends the deadline.
	}
}

// releaseProbe returns an unused half-open slot when the probe's outcome was
// neither a success nor a classified failure.
func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if CircuitState(cb.state.Load()) == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

// pruneLocked drops failure timestamps older than the window.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.WindowSize)
	i := 0
	for i < len(cb.failures) && !cb.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}

// transitionLocked moves the breaker to a new state, records the transition
// in the ring, and emits the log line and counter. Callers must hold mu.
func (cb *CircuitBreaker) transitionLocked(to CircuitState, reason string, now time.Time) {
	from := CircuitState(cb.state.Load())
	cb.state.Store(int32(to))

	cb.transitions[cb.transitionCount%transitionRingSize] = StateTransition{
		From:   from,
		To:     to,
		At:     now,
		Reason: reason,
	}
	cb.transitionCount++

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":  "circuit_breaker_transition",
		"name":       cb.config.Name,
		"from_state": from.String(),
		"to_state":   to.String(),
		"reason":     reason,
	})
	cb.config.Telemetry.RecordMetric("circuitbreaker.transitions", 1, map[string]string{
		"name": cb.config.Name,
		"from": from.String(),
		"to":   to.String(),
	})
}

// preventedLocked accounts for one rejected request. Callers must hold mu.
func (cb *CircuitBreaker) preventedLocked() {
	cb.preventedRequests++
	cb.config.Telemetry.RecordMetric("circuitbreaker.prevented", 1, map[string]string{
		"name": cb.config.Name,
	})
}

// openError builds the fail-fast taxonomy error with the breaker snapshot.
func (cb *CircuitBreaker) openError() *core.CoordError {
	cb.mu.Lock()
	state := CircuitState(cb.state.Load())
	lastFailure := cb.lastFailureAt
	cb.mu.Unlock()

	remaining := cb.config.ResetTimeout - time.Since(lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	details := map[string]interface{}{
		"state":          state.String(),
		"reset_timeout":  cb.config.ResetTimeout.Seconds(),
		"time_remaining": remaining.Seconds(),
	}
	if !lastFailure.IsZero() {
		details["last_failure_at"] = lastFailure.UTC().Format(time.RFC3339)
	}
	return core.NewCircuitOpenError(cb.config.Name, details)
}

// Execute runs fn under the breaker. A rejected call returns the
// CIRCUIT_BREAKER.OPEN taxonomy error without invoking fn. Errors the
// classifier rejects propagate without changing breaker state.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if !cb.Allow() {
		cb.config.Logger.Warn("Circuit breaker rejected execution", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.config.Name,
			"state":     cb.State().String(),
		})
		return nil, cb.openError()
	}

	result, err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cb.config.ErrorClassifier(err):
		cb.RecordFailure()
	default:
		cb.releaseProbe()
	}
	return result, err
}

// Reset forces the breaker back to closed with an empty failure window.
// Request counters persist; only the trip state is cleared.
func (cb *CircuitBreaker) Reset() {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = cb.failures[:0]
	cb.halfOpenInFlight = 0
	cb.halfOpenSuccesses = 0
	if CircuitState(cb.state.Load()) != StateClosed {
		cb.transitionLocked(StateClosed, "manual reset", now)
	}
}

// Metrics returns a point-in-time snapshot for the admin surface: state,
// request counters, the failure count currently in the window, and the
// retained transitions oldest-first.
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	now := time.Now()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.pruneLocked(now)

	transitions := make([]map[string]interface{}, 0, transitionRingSize)
	start := uint64(0)
	if cb.transitionCount > transitionRingSize {
		start = cb.transitionCount - transitionRingSize
	}
	for i := start; i < cb.transitionCount; i++ {
		tr := cb.transitions[i%transitionRingSize]
		transitions = append(transitions, map[string]interface{}{
			"from":   tr.From.String(),
			"to":     tr.To.String(),
			"at":     tr.At.UTC().Format(time.RFC3339),
			"reason": tr.Reason,
		})
	}

	return map[string]interface{}{
		"name":                cb.config.Name,
		"state":               CircuitState(cb.state.Load()).String(),
		"total_requests":      cb.totalRequests,
		"prevented_requests":  cb.preventedRequests,
		"total_successes":     cb.totalSuccesses,
		"total_failures":      cb.totalFailures,
		"failures_in_window":  len(cb.failures),
		"half_open_successes": cb.halfOpenSuccesses,
		"transitions":         transitions,
	}
}
