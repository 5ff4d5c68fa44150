package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Retryable reports whether an error is worth retrying. Transient taxonomy
// categories qualify: AUTHENTICATION (token may have been refreshed),
// INTEGRATION (downstream hiccup), and RATE_LIMIT (window will replenish).
// Validation, authorization, resource, and system errors fail fast.
func Retryable(err error) bool {
	return core.IsRetryable(err)
}

// Retry executes fn until it succeeds, the error is non-retryable, the
// context is done, or MaxAttempts is exhausted. A RATE_LIMIT error carrying a
// retry_after detail overrides the computed backoff for the next sleep.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}

		sleep := delay
		if after := rateLimitRetryAfter(err); after > 0 {
			sleep = after
		} else if config.JitterEnabled {
			// Spread synchronized retries from concurrent clients.
			sleep += time.Duration(rand.Int63n(int64(delay)/4 + 1))
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// rateLimitRetryAfter extracts the server-provided wait from a RATE_LIMIT
// taxonomy error, or 0 when none applies.
func rateLimitRetryAfter(err error) time.Duration {
	var ce *core.CoordError
	if !errors.As(err, &ce) || ce.Category != core.CategoryRateLimit {
		return 0
	}
	if after := ce.RetryAfter(); after > 0 {
		return time.Duration(after) * time.Second
	}
	return 0
}

// RetryWithCircuitBreaker runs fn under both policies: the breaker decides
// whether each attempt may run, the retry loop decides whether to try again.
// An open breaker yields the 503 taxonomy error, which is not retryable, so
// the loop stops immediately.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		_, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, fn()
		})
		return err
	})
}
