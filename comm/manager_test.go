package comm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/broker"
	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/ratelimit"
	"github.com/agentmesh/agentmesh/resilience"
)

type managerFixture struct {
	manager   *Manager
	broker    *broker.Broker
	limiter   *ratelimit.Limiter
	breakers  *resilience.Registry
	validator *core.MockTokenValidator
}

// newFixture builds a manager over a tiny agent bucket so rate-limit paths
// are cheap to exercise. Pass nil validator for trusted mode.
func newFixture(t *testing.T, validator core.TokenValidator) *managerFixture {
	t.Helper()

	b := broker.New(nil)
	t.Cleanup(b.Shutdown)

	limits := core.DefaultConfig().RateLimit
	limits.AgentDefault = core.BucketConfig{MaxTokens: 2, IntervalSeconds: 60}
	limiter := ratelimit.New(&ratelimit.Config{Limits: limits})

	breakers := resilience.NewRegistry(nil)

	m, err := NewManager(b, limiter, breakers, &Config{
		Comm:      core.CommConfig{UseCircuitBreaker: true, BreakerName: "agent_communication"},
		Validator: validator,
	})
	require.NoError(t, err)

	f := &managerFixture{manager: m, broker: b, limiter: limiter, breakers: breakers}
	if mv, ok := validator.(*core.MockTokenValidator); ok {
		f.validator = mv
	}
	return f
}

func TestTrustedModeIgnoresTokens(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.RegisterAgent(ctx, "A", []string{"text"}, ""))
	require.NoError(t, f.manager.RegisterAgent(ctx, "B", nil, ""))

	msg := core.NewMessage(core.MessageTypeDirect, "A", "hi", core.WithRecipient("B"))
	id, err := f.manager.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, id)

	got, err := f.manager.GetMessages(ctx, "B", true, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSendRequiresToken(t *testing.T) {
	validator := core.NewMockTokenValidator()
	f := newFixture(t, validator)

	msg := core.NewMessage(core.MessageTypeDirect, "A", nil, core.WithRecipient("B"))
	_, err := f.manager.Send(context.Background(), msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidToken))
}

func TestSendRejectsUnknownToken(t *testing.T) {
	validator := core.NewMockTokenValidator()
	f := newFixture(t, validator)

	msg := core.NewMessage(core.MessageTypeDirect, "A", nil, core.WithRecipient("B"))
	_, err := f.manager.Send(context.Background(), msg, WithAuthToken("forged"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidToken))
}

func TestSendRejectsMissingScope(t *testing.T) {
	validator := core.NewMockTokenValidator()
	validator.AddToken("read-only", "A", core.ScopeAgentRead)
	f := newFixture(t, validator)

	msg := core.NewMessage(core.MessageTypeDirect, "A", nil, core.WithRecipient("B"))
	_, err := f.manager.Send(context.Background(), msg, WithAuthToken("read-only"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInsufficientScope))
}

func TestSendEnforcesSubjectMatch(t *testing.T) {
	validator := core.NewMockTokenValidator()
	validator.AddToken("token-b", "B", core.ScopeAgentExecute)
	validator.AddToken("token-admin", "ops", core.ScopeAdmin)
	f := newFixture(t, validator)
	ctx := context.Background()

	require.NoError(t, f.broker.RegisterAgent("C"))

	// B's token cannot send as A.
	msg := core.NewMessage(core.MessageTypeDirect, "A", nil, core.WithRecipient("C"))
	_, err := f.manager.Send(ctx, msg, WithAuthToken("token-b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSubjectMismatch))
	var ce *core.CoordError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.CodeSubjectMismatch, ce.Code)

	// An admin token may act for any agent.
	msg = core.NewMessage(core.MessageTypeDirect, "A", nil, core.WithRecipient("C"))
	_, err = f.manager.Send(ctx, msg, WithAuthToken("token-admin"))
	assert.NoError(t, err)
}

func TestSendRateLimitDeny(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.broker.RegisterAgent("B"))

	// The fixture's agent bucket holds 2 tokens per minute.
	for i := 0; i < 2; i++ {
		msg := core.NewMessage(core.MessageTypeDirect, "A", i, core.WithRecipient("B"))
		_, err := f.manager.Send(ctx, msg)
		require.NoError(t, err)
	}

	msg := core.NewMessage(core.MessageTypeDirect, "A", "over", core.WithRecipient("B"))
	_, err := f.manager.Send(ctx, msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrRateLimitExceeded))

	var ce *core.CoordError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.CodeRateLimitExceeded, ce.Code)
	assert.GreaterOrEqual(t, ce.RetryAfter(), 1)
	assert.Equal(t, 429, ce.HTTPStatus)

	// The denied send never reached the broker.
	assert.Equal(t, 2, f.broker.QueueDepth("B"))
}

func TestSendBreakerOpenFailsFast(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.broker.RegisterAgent("B"))

	cb := f.breakers.Get("agent_communication")
	require.NotNil(t, cb)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, resilience.StateOpen, cb.State())

	msg := core.NewMessage(core.MessageTypeDirect, "A", nil, core.WithRecipient("B"))
	_, err := f.manager.Send(ctx, msg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCircuitBreakerOpen))
	assert.Equal(t, 0, f.broker.QueueDepth("B"), "an open breaker must not deliver")

	// The escape hatch bypasses the breaker for system traffic.
	id, err := f.manager.Send(ctx, msg, WithoutCircuitBreaker())
	require.NoError(t, err)
	assert.Equal(t, msg.ID, id)
	assert.Equal(t, 1, f.broker.QueueDepth("B"))
}

func TestBreakerCountsBrokerFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cb := f.breakers.Get("agent_communication")
	require.NotNil(t, cb)

	// Unknown-recipient sends propagate a RESOURCE error, which the default
	// classifier counts; five of them trip the shared breaker. Senders vary
	// so the per-agent bucket stays out of the way.
	for i := 0; i < 5; i++ {
		sender := fmt.Sprintf("s%d", i)
		msg := core.NewMessage(core.MessageTypeDirect, sender, nil, core.WithRecipient("ghost"))
		_, err := f.manager.Send(ctx, msg)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrAgentNotFound))
	}
	assert.Equal(t, resilience.StateOpen, cb.State())
}

func TestCapabilitiesLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	caps := []string{"text_processing", "code_generation"}
	require.NoError(t, f.manager.RegisterAgent(ctx, "worker", caps, ""))

	got, err := f.manager.Capabilities(ctx, "worker", "")
	require.NoError(t, err)
	assert.Equal(t, caps, got)

	// The returned slice is a copy; callers cannot mutate the directory.
	got[0] = "tampered"
	fresh, err := f.manager.Capabilities(ctx, "worker", "")
	require.NoError(t, err)
	assert.Equal(t, "text_processing", fresh[0])

	require.NoError(t, f.manager.UnregisterAgent(ctx, "worker", ""))
	_, err = f.manager.Capabilities(ctx, "worker", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
}

func TestRegisterGuardsScopeAndSubject(t *testing.T) {
	validator := core.NewMockTokenValidator()
	validator.AddToken("token-a-exec", "A", core.ScopeAgentExecute)
	validator.AddToken("token-a-write", "A", core.ScopeAgentWrite)
	f := newFixture(t, validator)
	ctx := context.Background()

	err := f.manager.RegisterAgent(ctx, "A", nil, "token-a-exec")
	require.Error(t, err, "agent:execute must not grant registration")
	assert.True(t, errors.Is(err, core.ErrInsufficientScope))

	require.NoError(t, f.manager.RegisterAgent(ctx, "A", nil, "token-a-write"))

	err = f.manager.RegisterAgent(ctx, "other", nil, "token-a-write")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrSubjectMismatch))
}

func TestUpdateStatusTogglesDelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.RegisterAgent(ctx, "B", nil, ""))
	require.NoError(t, f.manager.UpdateStatus(ctx, "B", false, ""))

	delivered := 0
	f.manager.RegisterHandler("B", func(ctx context.Context, msg *core.Message) error {
		delivered++
		return nil
	})

	msg := core.NewMessage(core.MessageTypeDirect, "A", nil, core.WithRecipient("B"))
	_, err := f.manager.Send(ctx, msg)
	require.NoError(t, err)
	assert.Zero(t, delivered, "offline agents must not receive pushes")

	err = f.manager.UpdateStatus(ctx, "missing", true, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrAgentNotFound))
}

func TestValidatorOutageSurfacesAsTaxonomyError(t *testing.T) {
	validator := core.NewMockTokenValidator()
	validator.AddToken("t", "A", core.ScopeAgentExecute)
	validator.FailWith(core.ErrConnectionFailed)
	f := newFixture(t, validator)

	msg := core.NewMessage(core.MessageTypeDirect, "A", nil, core.WithRecipient("B"))
	_, err := f.manager.Send(context.Background(), msg, WithAuthToken("t"))
	require.Error(t, err)

	var ce *core.CoordError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, core.CategoryIntegration, ce.Category)
}
