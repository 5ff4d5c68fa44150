// Package comm is the guard layer in front of the message broker. Every
// operation passes the same ordered checks before it reaches broker state:
// token validation with subject matching, rate-limit admission (sends only),
// and the shared "agent_communication" circuit breaker. The package also owns
// the capability directory used for task distribution.
package comm

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/agentmesh/agentmesh/broker"
	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/ratelimit"
	"github.com/agentmesh/agentmesh/resilience"
)

// SendOption adjusts one call through the manager.
type SendOption func(*sendOptions)

type sendOptions struct {
	authToken   string
	skipBreaker bool
}

// WithAuthToken attaches the caller's bearer token to the call.
func WithAuthToken(token string) SendOption {
	return func(o *sendOptions) { o.authToken = token }
}

// WithoutCircuitBreaker bypasses the communication breaker for this call.
// Intended for system messages that must reach the broker even while the
// breaker is open.
func WithoutCircuitBreaker() SendOption {
	return func(o *sendOptions) { o.skipBreaker = true }
}

func applySendOptions(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Config configures the communication manager.
type Config struct {
	// Comm carries the breaker toggle, breaker name, and capability cache
	// intervals. Zero values fall back to the compiled defaults.
	Comm core.CommConfig

	// Validator authenticates callers. Nil means every caller is trusted and
	// tokens are ignored.
	Validator core.TokenValidator

	Logger    core.Logger
	Telemetry core.Telemetry
}

// Manager wraps a broker with the auth, rate-limit, and breaker guards.
type Manager struct {
	broker    *broker.Broker
	limiter   *ratelimit.Limiter
	breaker   *resilience.CircuitBreaker
	validator core.TokenValidator

	useBreaker   bool
	capabilities *gocache.Cache

	logger    core.Logger
	telemetry core.Telemetry
}

// NewManager builds the guard layer over a broker. The breaker comes from the
// shared registry so other subsystems observing "agent_communication" see the
// same state.
func NewManager(b *broker.Broker, limiter *ratelimit.Limiter, breakers *resilience.Registry, cfg *Config) (*Manager, error) {
	if b == nil {
		return nil, core.NewValidationError("comm", "broker is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger = core.ComponentLogger(logger, "framework/comm")
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	breakerName := cfg.Comm.BreakerName
	if breakerName == "" {
		breakerName = "agent_communication"
	}
	var cb *resilience.CircuitBreaker
	if breakers != nil {
		var err error
		cb, err = breakers.GetOrCreate(breakerName)
		if err != nil {
			return nil, err
		}
	}

	janitor := time.Duration(cfg.Comm.CapabilityJanitorSeconds * float64(time.Second))
	if janitor <= 0 {
		janitor = 10 * time.Minute
	}
	entryTTL := gocache.NoExpiration
	if cfg.Comm.CapabilityCacheTTLSeconds > 0 {
		entryTTL = time.Duration(cfg.Comm.CapabilityCacheTTLSeconds * float64(time.Second))
	}

	return &Manager{
		broker:       b,
		limiter:      limiter,
		breaker:      cb,
		validator:    cfg.Validator,
		useBreaker:   cfg.Comm.UseCircuitBreaker && cb != nil,
		capabilities: gocache.New(entryTTL, janitor),
		logger:       logger,
		telemetry:    telemetry,
	}, nil
}

// Broker exposes the underlying broker for delivery wiring (bridges, push
// handlers). Guarded operations must go through the manager.
func (m *Manager) Broker() *broker.Broker {
	return m.broker
}

// SetLogger replaces the manager's logger, tagged "framework/comm".
// Intended for wire-up before traffic starts.
func (m *Manager) SetLogger(logger core.Logger) {
	if logger == nil {
		m.logger = &core.NoOpLogger{}
		return
	}
	m.logger = core.ComponentLogger(logger, "framework/comm")
}

// authorize runs the shared token guard: validity, required scopes, and
// subject match when the operation acts for a named agent.
func (m *Manager) authorize(ctx context.Context, token string, scopes []string, agentID string) error {
	return core.Authorize(ctx, m.validator, "comm", token, scopes, agentID)
}

// RegisterAgent registers the agent with the broker and stores its
// capability set in the directory.
func (m *Manager) RegisterAgent(ctx context.Context, agentID string, capabilities []string, token string) error {
	if err := m.authorize(ctx, token, []string{core.ScopeAgentWrite}, agentID); err != nil {
		return err
	}
	if err := m.broker.RegisterAgent(agentID); err != nil {
		return err
	}
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	m.capabilities.Set(agentID, caps, gocache.DefaultExpiration)
	return nil
}

// UnregisterAgent removes the agent from the broker and drops its
// capabilities.
func (m *Manager) UnregisterAgent(ctx context.Context, agentID, token string) error {
	if err := m.authorize(ctx, token, []string{core.ScopeAgentWrite}, agentID); err != nil {
		return err
	}
	if err := m.broker.UnregisterAgent(agentID); err != nil {
		return err
	}
	m.capabilities.Delete(agentID)
	return nil
}

// UpdateStatus flips the agent's online flag.
func (m *Manager) UpdateStatus(ctx context.Context, agentID string, online bool, token string) error {
	if err := m.authorize(ctx, token, []string{core.ScopeAgentWrite}, agentID); err != nil {
		return err
	}
	return m.broker.SetOnline(agentID, online)
}

// Send pushes a message through the full guard chain: sender-scoped auth,
// rate-limit admission, then the communication breaker around the broker
// call. A denied admission reports the retry hint without consuming tokens.
func (m *Manager) Send(ctx context.Context, msg *core.Message, opts ...SendOption) (string, error) {
	return m.guardedSend(ctx, m.broker, msg, applySendOptions(opts))
}

// guardedSend runs the full guard chain and delivers to the given broker.
func (m *Manager) guardedSend(ctx context.Context, b *broker.Broker, msg *core.Message, options sendOptions) (string, error) {
	if msg == nil {
		return "", core.NewValidationError("comm", "message is required")
	}
	if err := msg.Validate(); err != nil {
		return "", core.Convert(err, "comm")
	}
	if err := m.authorize(ctx, options.authToken, []string{core.ScopeAgentExecute}, msg.SenderID); err != nil {
		return "", err
	}
	if m.limiter != nil {
		if d := m.limiter.Check(msg.SenderID, msg.Type, msg.Priority); !d.Allowed {
			return "", core.NewRateLimitError("comm",
				fmt.Sprintf("rate limit exceeded on %s bucket %q", d.Dimension, d.Key), d.RetryAfter)
		}
	}
	return m.sendOn(ctx, b, msg, options)
}

// sendOn routes the already-guarded message to a broker, under the breaker
// unless the call opted out.
func (m *Manager) sendOn(ctx context.Context, b *broker.Broker, msg *core.Message, options sendOptions) (string, error) {
	ctx, span := m.telemetry.StartSpan(ctx, "comm.send")
	defer span.End()
	span.SetAttribute("message.type", string(msg.Type))
	span.SetAttribute("message.priority", string(msg.Priority))

	if m.useBreaker && !options.skipBreaker {
		result, err := m.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return b.Send(ctx, msg)
		})
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		return result.(string), nil
	}

	id, err := b.Send(ctx, msg)
	if err != nil {
		span.RecordError(err)
	}
	return id, err
}

// GetMessages drains or peeks the recipient's queue. The token must belong to
// the recipient.
func (m *Manager) GetMessages(ctx context.Context, recipient string, markDelivered bool, token string) ([]*core.Message, error) {
	if err := m.authorize(ctx, token, []string{core.ScopeAgentRead}, recipient); err != nil {
		return nil, err
	}
	return m.broker.GetMessages(ctx, recipient, markDelivered)
}

// Capabilities returns the agent's registered capability set. Any agent:read
// token may look up any agent; capability discovery is not subject-scoped.
func (m *Manager) Capabilities(ctx context.Context, agentID, token string) ([]string, error) {
	if err := m.authorize(ctx, token, []string{core.ScopeAgentRead}, ""); err != nil {
		return nil, err
	}
	v, found := m.capabilities.Get(agentID)
	if !found {
		return nil, core.NewAgentNotFound("comm", agentID)
	}
	caps := v.([]string)
	out := make([]string, len(caps))
	copy(out, caps)
	return out, nil
}

// RegisterHandler attaches a push delivery handler. Handler wiring is a
// process-level concern, so no token is involved.
func (m *Manager) RegisterHandler(agentID string, h broker.DeliveryHandler) {
	m.broker.RegisterHandler(agentID, h)
}

// Subscribe opens a channel subscription on the broker.
func (m *Manager) Subscribe(agentID string, buffer int) (*broker.Subscription, error) {
	return m.broker.Subscribe(agentID, buffer)
}
