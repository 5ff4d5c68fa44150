package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClientValidation(t *testing.T) {
	_, err := NewRedisClient(RedisClientOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	_, err = NewRedisClient(RedisClientOptions{RedisURL: "://not-a-url"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestRedisClientKeyNamespacing(t *testing.T) {
	client := requireRedis(t)

	assert.Equal(t, "agentmesh:test:bucket:a", client.FormatKey("bucket:a"))
	assert.Equal(t, RedisDBRateLimiting, client.GetDB())
	assert.Equal(t, "agentmesh:test", client.GetNamespace())
}

func TestRedisClientSortedSetOperations(t *testing.T) {
	client := requireRedis(t)
	ctx := context.Background()
	key := fmt.Sprintf("window:%d", time.Now().UnixNano())
	defer func() { _ = client.Del(ctx, key) }()

	base := float64(time.Now().UnixMilli())
	for i := 0; i < 3; i++ {
		err := client.ZAdd(ctx, key, &redis.Z{
			Score:  base + float64(i),
			Member: fmt.Sprintf("entry-%d", i),
		})
		require.NoError(t, err)
	}

	n, err := client.ZCard(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	count, err := client.ZCount(ctx, key,
		fmt.Sprintf("%f", base+1), fmt.Sprintf("%f", base+2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// Dropping everything at or below the base score models the window
	// trim the rate limiter performs.
	require.NoError(t, client.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%f", base)))
	n, err = client.ZCard(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, client.Expire(ctx, key, time.Minute))
	require.NoError(t, client.HealthCheck(ctx))
}
