//go:build integration

// Package testutil provides helpers for integration tests that need a live
// Redis instance.
package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisAddr returns the address of the test Redis instance, taken from
// WANCORE_TEST_REDIS_ADDR. Empty means no test Redis is configured.
func RedisAddr() string {
	return os.Getenv("WANCORE_TEST_REDIS_ADDR")
}

// SkipIfNoRedis skips the test if the test Redis is not reachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set WANCORE_TEST_REDIS_ADDR")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
}

// FlushDB flushes the test database. Call at the start of every integration
// test so leftovers from a crashed run cannot leak in.
func FlushDB(t *testing.T, db int) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: RedisAddr(), DB: db})
	defer client.Close()

	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", db, err)
	}
}

// Context returns a test-scoped context with a generous timeout.
func Context(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
