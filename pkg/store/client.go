// Package store is the Redis-backed persistence layer of the tunnel control
// plane: tunnel records, the per-organization tunnel number pool, the
// tunnel-existence index, per-device sync state and batch progress records.
//
// Every contended mutation (number allocation, pair-key claims, sync trial
// counting, sync-hash locking) goes through an atomic Redis operation or a
// Lua script, never read-then-write, so multiple control-plane instances can
// share one store.
package store

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Options configures the store connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Client is the Redis-backed store.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a store client. The connection is verified lazily; call
// Ping to check reachability.
func NewClient(opts Options) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Password: opts.Password,
			DB:       opts.DB,
		}),
	}
}

// Ping verifies the store is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store unreachable at %s: %w", c.rdb.Options().Addr, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Key layout. The `|` separator follows the table|key convention used
// throughout the fleet databases.
func tunnelKey(org string, num int) string { return fmt.Sprintf("TUNNEL|%s|%d", org, num) }
func tunnelSetKey(org string) string       { return fmt.Sprintf("TUNNEL_NUMS|%s", org) }
func freeSetKey(org string) string         { return fmt.Sprintf("TUNNEL_FREE|%s", org) }
func nextIDKey(org string) string          { return fmt.Sprintf("TUNNEL_NEXT_ID|%s", org) }
func pairIndexKey(org string) string       { return fmt.Sprintf("TUNNEL_PAIRS|%s", org) }
func syncKey(device string) string         { return fmt.Sprintf("DEVICE_SYNC|%s", device) }
func syncLockKey(device string) string     { return fmt.Sprintf("DEVICE_SYNC_LOCK|%s", device) }
func progressKey(id string) string         { return fmt.Sprintf("BATCH_PROGRESS|%s", id) }
