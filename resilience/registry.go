package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// Registry is the process-wide home of named circuit breakers. GetOrCreate is
// the only creation path, so every subsystem asking for the same name shares
// one breaker and one failure window.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	defaults  core.BreakerConfig
	logger    core.Logger
	telemetry core.Telemetry
}

// RegistryConfig configures the registry-wide breaker defaults.
type RegistryConfig struct {
	Defaults  core.BreakerConfig // zero value falls back to the compiled defaults
	Logger    core.Logger
	Telemetry core.Telemetry
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg *RegistryConfig) *Registry {
	if cfg == nil {
		cfg = &RegistryConfig{}
	}
	defaults := cfg.Defaults
	if defaults.FailureThreshold < 1 {
		defaults.FailureThreshold = 5
	}
	if defaults.ResetTimeoutSeconds <= 0 {
		defaults.ResetTimeoutSeconds = 30
	}
	if defaults.HalfOpenLimit < 1 {
		defaults.HalfOpenLimit = 3
	}
	if defaults.WindowSizeSeconds <= 0 {
		defaults.WindowSizeSeconds = 60
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults,
		logger:    logger,
		telemetry: telemetry,
	}
}

// GetOrCreate returns the breaker registered under name, creating it with the
// registry defaults on first use. An optional config overrides the defaults
// for the first caller only; later callers always get the existing breaker.
func (r *Registry) GetOrCreate(name string, cfg ...CircuitBreakerConfig) (*CircuitBreaker, error) {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb, nil
	}

	var config *CircuitBreakerConfig
	if len(cfg) > 0 {
		config = &cfg[0]
		config.Name = name
	} else {
		config = &CircuitBreakerConfig{
			Name:             name,
			FailureThreshold: r.defaults.FailureThreshold,
			ResetTimeout:     time.Duration(r.defaults.ResetTimeoutSeconds * float64(time.Second)),
			HalfOpenLimit:    r.defaults.HalfOpenLimit,
			WindowSize:       time.Duration(r.defaults.WindowSizeSeconds * float64(time.Second)),
		}
	}
	if config.Logger == nil {
		config.Logger = r.logger
	}
	if config.Telemetry == nil {
		config.Telemetry = r.telemetry
	}

	cb, err := NewCircuitBreaker(config)
	if err != nil {
		return nil, err
	}
	r.breakers[name] = cb
	return cb, nil
}

// Get returns the breaker registered under name, or nil when none exists.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Names returns the registered breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetAll returns every breaker to closed with an empty failure window.
// Request counters survive the reset.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	for _, cb := range breakers {
		cb.Reset()
	}
	r.logger.Info("All circuit breakers reset", map[string]interface{}{
		"operation": "circuit_breaker_reset_all",
		"count":     len(breakers),
	})
}

// Metrics returns the per-breaker metric snapshots keyed by name.
func (r *Registry) Metrics() map[string]map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]interface{}, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Metrics()
	}
	return out
}

// SetLogger replaces the registry's logger and pushes it to every breaker.
func (r *Registry) SetLogger(logger core.Logger) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	r.mu.Lock()
	r.logger = logger
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.SetLogger(logger)
	}
}
