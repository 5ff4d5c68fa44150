package orchestrator

import (
	"context"

	"github.com/agentmesh/agentmesh/core"
	"github.com/agentmesh/agentmesh/ratelimit"
)

// The admin surface requires the admin scope on every call. It inspects
// and adjusts the guards at runtime without restarting the core.

// RateLimits reports bucket states on a dimension. An empty key covers
// every key the limiter has seen plus the configured ones.
func (c *Core) RateLimits(ctx context.Context, dim ratelimit.Dimension, key, token string) ([]ratelimit.LimitInfo, error) {
	if err := c.authorize(ctx, token, []string{core.ScopeAdmin}, ""); err != nil {
		return nil, err
	}
	return c.limiter.Limits(dim, key), nil
}

// UpdateRateLimit reshapes one bucket at runtime. The live bucket restarts
// full at the new capacity; the change does not survive a restart.
func (c *Core) UpdateRateLimit(ctx context.Context, dim ratelimit.Dimension, key string, maxTokens int, intervalSeconds float64, token string) error {
	if err := c.authorize(ctx, token, []string{core.ScopeAdmin}, ""); err != nil {
		return err
	}
	return c.limiter.UpdateLimit(dim, key, maxTokens, intervalSeconds)
}

// ResetAllBreakers forces every registered breaker back to CLOSED with an
// empty failure window.
func (c *Core) ResetAllBreakers(ctx context.Context, token string) error {
	if err := c.authorize(ctx, token, []string{core.ScopeAdmin}, ""); err != nil {
		return err
	}
	c.breakers.ResetAll()
	return nil
}

// BreakerMetrics returns a point-in-time snapshot of every breaker keyed
// by name.
func (c *Core) BreakerMetrics(ctx context.Context, token string) (map[string]map[string]interface{}, error) {
	if err := c.authorize(ctx, token, []string{core.ScopeAdmin}, ""); err != nil {
		return nil, err
	}
	return c.breakers.Metrics(), nil
}
