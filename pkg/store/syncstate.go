package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wancore-net/wancore/pkg/util"
)

// SyncState is a device's configuration synchronization state.
type SyncState string

const (
	SyncStateSynced    SyncState = "synced"
	SyncStateSyncing   SyncState = "syncing"
	SyncStateNotSynced SyncState = "not-synced"
	// SyncStateUnknown covers agents that predate hash reporting.
	SyncStateUnknown SyncState = "unknown"
)

// ForceResyncHash is the sentinel desired-hash value guaranteed to mismatch
// any device-reported hash, forcing the state machine back into syncing.
const ForceResyncHash = "force-resync"

// SyncRecord is the persisted per-device sync tracking record.
type SyncRecord struct {
	State    SyncState
	Hash     string // desired-state hash chain head
	Trials   int    // full-sync attempts since the last successful sync
	AutoSync bool
}

// GetSyncRecord loads a device's sync record. Absent records default to
// unknown state with auto-sync enabled.
func (c *Client) GetSyncRecord(ctx context.Context, device string) (*SyncRecord, error) {
	vals, err := c.rdb.HGetAll(ctx, syncKey(device)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading sync record for %s: %w", device, err)
	}
	rec := &SyncRecord{State: SyncStateUnknown, AutoSync: true}
	if len(vals) == 0 {
		return rec, nil
	}
	if s, ok := vals["state"]; ok && s != "" {
		rec.State = SyncState(s)
	}
	rec.Hash = vals["hash"]
	if t, ok := vals["trials"]; ok {
		rec.Trials, _ = strconv.Atoi(t)
	}
	rec.AutoSync = vals["autosync"] != "off"
	return rec, nil
}

// SetSyncState updates a device's sync state field.
func (c *Client) SetSyncState(ctx context.Context, device string, state SyncState) error {
	if err := c.rdb.HSet(ctx, syncKey(device), "state", string(state)).Err(); err != nil {
		return fmt.Errorf("setting sync state for %s: %w", device, err)
	}
	return nil
}

// SetSyncHash replaces a device's desired-state hash chain head.
func (c *Client) SetSyncHash(ctx context.Context, device, hash string) error {
	if err := c.rdb.HSet(ctx, syncKey(device), "hash", hash).Err(); err != nil {
		return fmt.Errorf("setting sync hash for %s: %w", device, err)
	}
	return nil
}

// ResetSyncTracking marks a device synced: trial counter cleared and
// auto-sync re-enabled.
func (c *Client) ResetSyncTracking(ctx context.Context, device string) error {
	err := c.rdb.HSet(ctx, syncKey(device),
		"state", string(SyncStateSynced), "trials", 0, "autosync", "on").Err()
	if err != nil {
		return fmt.Errorf("resetting sync tracking for %s: %w", device, err)
	}
	return nil
}

// IncSyncTrials atomically bumps a device's full-sync trial counter; when the
// counter passes max, auto-sync is disabled in the same atomic step. Returns
// the post-increment count.
func (c *Client) IncSyncTrials(ctx context.Context, device string, max int) (int, error) {
	n, err := incSyncTrialsScript.Run(ctx, c.rdb, []string{syncKey(device)}, max).Int()
	if err != nil {
		return 0, fmt.Errorf("incrementing sync trials for %s: %w", device, err)
	}
	return n, nil
}

// SetAutoSync toggles automatic resynchronization for a device.
func (c *Client) SetAutoSync(ctx context.Context, device string, enabled bool) error {
	v := "on"
	if !enabled {
		v = "off"
	}
	if err := c.rdb.HSet(ctx, syncKey(device), "autosync", v).Err(); err != nil {
		return fmt.Errorf("setting autosync for %s: %w", device, err)
	}
	return nil
}

// AcquireSyncLock takes the per-device sync-hash lock. The TTL bounds the
// maximum occupation time should a holder crash. Returns util.ErrLocked when
// the lock is held.
func (c *Client) AcquireSyncLock(ctx context.Context, device, holder string, ttl time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := acquireLockScript.Run(ctx, c.rdb, []string{syncLockKey(device)},
		holder, now, int(ttl.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("acquiring sync lock for %s: %w", device, err)
	}
	if result == 0 {
		return util.ErrLocked
	}
	return nil
}

// ReleaseSyncLock releases the per-device sync-hash lock. An expired lock is
// treated as released.
func (c *Client) ReleaseSyncLock(ctx context.Context, device, holder string) error {
	result, err := releaseLockScript.Run(ctx, c.rdb, []string{syncLockKey(device)}, holder).Int()
	if err != nil {
		return fmt.Errorf("releasing sync lock for %s: %w", device, err)
	}
	if result == 0 {
		return fmt.Errorf("sync lock holder mismatch for %s", device)
	}
	return nil
}
