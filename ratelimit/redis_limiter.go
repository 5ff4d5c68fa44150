package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentmesh/agentmesh/core"
)

// RedisSlidingWindow is the distributed rate-limiter variant used in front of
// multi-replica deployments, where the in-process token buckets of each
// replica would multiply the effective quota. It keeps one ZSET per key with
// request timestamps as scores: expired entries are trimmed, the remainder
// counted against the limit, and the new request added when admitted.
//
// It deliberately fails open: when Redis is unreachable the request is
// admitted with a warning, because the in-process limiter behind it still
// enforces the per-process quotas.
type RedisSlidingWindow struct {
	client    *core.RedisClient
	limit     int
	window    time.Duration
	logger    core.Logger
	telemetry core.Telemetry
}

// RedisSlidingWindowConfig configures the distributed limiter.
type RedisSlidingWindowConfig struct {
	RedisURL  string
	Limit     int           // admissions per window, default 1000
	Window    time.Duration // default one minute
	Logger    core.Logger
	Telemetry core.Telemetry
}

// NewRedisSlidingWindow connects to Redis (DB 1, namespaced under
// "agentmesh:ratelimit") and returns a ready limiter.
func NewRedisSlidingWindow(cfg RedisSlidingWindowConfig) (*RedisSlidingWindow, error) {
	if cfg.Limit <= 0 {
		cfg.Limit = 1000
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	logger = core.ComponentLogger(logger, "framework/ratelimit")
	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		DB:        core.RedisDBRateLimiting,
		Namespace: "agentmesh:ratelimit",
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client for rate limiting: %w", err)
	}

	rl := &RedisSlidingWindow{
		client:    client,
		limit:     cfg.Limit,
		window:    cfg.Window,
		logger:    logger,
		telemetry: telemetry,
	}

	logger.Info("Redis sliding-window limiter initialized", map[string]interface{}{
		"operation":  "redis_limiter_init",
		"db":         core.RedisDBRateLimiting,
		"namespace":  "agentmesh:ratelimit",
		"limit":      cfg.Limit,
		"window_sec": cfg.Window.Seconds(),
		"algorithm":  "sliding_window",
	})

	return rl, nil
}

// Allow checks one key against the sliding window. Returns whether the
// request is admitted and, when denied, a retry hint in seconds.
func (r *RedisSlidingWindow) Allow(ctx context.Context, key string) (allowed bool, retryAfter int) {
	now := time.Now()
	windowStart := now.Add(-r.window)

	nowScore := float64(now.UnixMicro())
	windowStartScore := float64(windowStart.UnixMicro())

	if err := r.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", windowStartScore)); err != nil {
		r.logger.Error("Failed to trim rate-limit window", map[string]interface{}{
			"operation": "redis_limiter_trim",
			"error":     err.Error(),
			"key":       key,
		})
	}

	count, err := r.client.ZCard(ctx, key)
	if err != nil {
		// Fail open: the in-process limiter still bounds the damage.
		r.logger.Warn("Rate-limit count failed, admitting request", map[string]interface{}{
			"operation": "redis_limiter_fail_open",
			"error":     err.Error(),
			"key":       key,
		})
		return true, 0
	}

	if count >= int64(r.limit) {
		retryAfter = int(r.window.Seconds()) - int(now.Sub(windowStart).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		r.logger.Warn("Rate limit exceeded (sliding window)", map[string]interface{}{
			"operation":   "redis_limiter_denied",
			"key":         key,
			"count":       count,
			"limit":       r.limit,
			"retry_after": retryAfter,
		})
		r.telemetry.RecordMetric("ratelimit.denied", 1, map[string]string{
			"backend": "redis",
		})
		return false, retryAfter
	}

	member := fmt.Sprintf("%d", now.UnixNano())
	if err := r.client.ZAdd(ctx, key, &redis.Z{Score: nowScore, Member: member}); err != nil {
		return true, 0
	}
	// TTL at twice the window keeps idle keys from accumulating.
	_ = r.client.Expire(ctx, key, 2*r.window)

	r.telemetry.RecordMetric("ratelimit.allowed", 1, map[string]string{
		"backend": "redis",
	})
	return true, 0
}

// Remaining reports how many admissions are left in the current window.
func (r *RedisSlidingWindow) Remaining(ctx context.Context, key string) int {
	now := time.Now()
	windowStart := now.Add(-r.window)
	windowStartScore := float64(windowStart.UnixMicro())

	_ = r.client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", windowStartScore))

	count, err := r.client.ZCount(ctx, key, fmt.Sprintf("%f", windowStartScore), "+inf")
	if err != nil {
		return r.limit
	}
	remaining := r.limit - int(count)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset clears the window for one key.
func (r *RedisSlidingWindow) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, key)
}

// HealthCheck verifies Redis connectivity.
func (r *RedisSlidingWindow) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// Close releases the Redis connection.
func (r *RedisSlidingWindow) Close() error {
	return r.client.Close()
}
