package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"
)

// TestRedisSlidingWindowIntegration exercises the Redis-backed limiter when a
// Redis instance is reachable; otherwise the test is skipped.
func TestRedisSlidingWindowIntegration(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	limiter, err := NewRedisSlidingWindow(RedisSlidingWindowConfig{
		RedisURL: redisURL,
		Limit:    5,
		Window:   time.Minute,
	})
	if err != nil {
		t.Skip("Redis not available, skipping integration test:", err)
	}
	defer limiter.Close()

	ctx := context.Background()
	key := fmt.Sprintf("test:sliding:%d", time.Now().UnixNano())
	defer limiter.Reset(ctx, key)

	t.Run("Allows up to the limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			allowed, _ := limiter.Allow(ctx, key)
			if !allowed {
				t.Fatalf("request %d should be allowed", i+1)
			}
		}
		allowed, retryAfter := limiter.Allow(ctx, key)
		if allowed {
			t.Error("request over the limit should be denied")
		}
		if retryAfter < 1 {
			t.Errorf("retry_after must be >= 1, got %d", retryAfter)
		}
	})

	t.Run("Remaining decrements", func(t *testing.T) {
		freshKey := fmt.Sprintf("test:remaining:%d", time.Now().UnixNano())
		defer limiter.Reset(ctx, freshKey)

		if got := limiter.Remaining(ctx, freshKey); got != 5 {
			t.Errorf("fresh key should have 5 remaining, got %d", got)
		}
		limiter.Allow(ctx, freshKey)
		limiter.Allow(ctx, freshKey)
		if got := limiter.Remaining(ctx, freshKey); got != 3 {
			t.Errorf("expected 3 remaining after two requests, got %d", got)
		}
	})

	t.Run("Reset clears the window", func(t *testing.T) {
		resetKey := fmt.Sprintf("test:reset:%d", time.Now().UnixNano())
		for i := 0; i < 5; i++ {
			limiter.Allow(ctx, resetKey)
		}
		if allowed, _ := limiter.Allow(ctx, resetKey); allowed {
			t.Fatal("key should be exhausted before reset")
		}
		if err := limiter.Reset(ctx, resetKey); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if allowed, _ := limiter.Allow(ctx, resetKey); !allowed {
			t.Error("key should admit again after reset")
		}
	})

	t.Run("Window slides", func(t *testing.T) {
		shortLimiter, err := NewRedisSlidingWindow(RedisSlidingWindowConfig{
			RedisURL: redisURL,
			Limit:    2,
			Window:   time.Second,
		})
		if err != nil {
			t.Skip("Could not create short window limiter:", err)
		}
		defer shortLimiter.Close()

		slideKey := fmt.Sprintf("test:slide:%d", time.Now().UnixNano())
		defer shortLimiter.Reset(ctx, slideKey)

		shortLimiter.Allow(ctx, slideKey)
		shortLimiter.Allow(ctx, slideKey)
		if allowed, _ := shortLimiter.Allow(ctx, slideKey); allowed {
			t.Fatal("third request within the window should be denied")
		}

		time.Sleep(1100 * time.Millisecond)

		if allowed, _ := shortLimiter.Allow(ctx, slideKey); !allowed {
			t.Error("request after the window slid should be allowed")
		}
	})

	t.Run("Health check", func(t *testing.T) {
		if err := limiter.HealthCheck(ctx); err != nil {
			t.Errorf("HealthCheck: %v", err)
		}
	})
}
