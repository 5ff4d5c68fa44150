package core

import (
	"net"
	"testing"
	"time"
)

// requireRedis returns a namespaced test client, skipping the test when no
// local Redis answers. This keeps the Redis-backed tests runnable in every
// environment without a hard dependency.
func requireRedis(t *testing.T) *RedisClient {
	t.Helper()

	// Skip in short mode (go test -short)
	if testing.Short() {
		t.Skip("Skipping Redis test in short mode")
	}

	// Quick connectivity check before attempting a full connection
	if !isRedisReachable() {
		t.Skip("Redis not available at localhost:6379 (connection refused)")
	}

	client, err := NewRedisClient(RedisClientOptions{
		RedisURL:  "redis://localhost:6379",
		DB:        RedisDBRateLimiting,
		Namespace: "agentmesh:test",
	})
	if err != nil {
		t.Skipf("Redis not responsive: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// isRedisReachable performs a quick TCP connection check
func isRedisReachable() bool {
	conn, err := net.DialTimeout("tcp", "localhost:6379", 1*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
