package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

// AllocateNum allocates a tunnel number for the organization: freed numbers
// of deactivated tunnels are reused before the bounded counter is advanced.
// A transient error is retried once before surfacing failure.
func (c *Client) AllocateNum(ctx context.Context, org string, max int) (int, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		n, err := allocateNumScript.Run(ctx, c.rdb,
			[]string{freeSetKey(org), nextIDKey(org)}, max).Int()
		if err != nil {
			lastErr = err
			continue
		}
		if n < 0 {
			return 0, &util.AllocationError{Org: org, Detail: fmt.Sprintf("pool of %d numbers exhausted", max)}
		}
		return n, nil
	}
	return 0, &util.AllocationError{Org: org, Detail: lastErr.Error()}
}

// ReleaseNum returns a tunnel number to the organization's free set. Called
// on tunnel deactivation and on allocator rollback after a failed build.
func (c *Client) ReleaseNum(ctx context.Context, org string, num int) error {
	if err := c.rdb.SAdd(ctx, freeSetKey(org), num).Err(); err != nil {
		return fmt.Errorf("releasing tunnel number %d for org %s: %w", num, org, err)
	}
	return nil
}

// SaveTunnel persists a tunnel record and tracks its number in the org set.
func (c *Client) SaveTunnel(ctx context.Context, t *model.Tunnel) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding tunnel %s/%d: %w", t.Org, t.Num, err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, tunnelKey(t.Org, t.Num), data, 0)
	pipe.SAdd(ctx, tunnelSetKey(t.Org), t.Num)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving tunnel %s/%d: %w", t.Org, t.Num, err)
	}
	return nil
}

// GetTunnel loads one tunnel record. Returns util.ErrNotFound if absent.
func (c *Client) GetTunnel(ctx context.Context, org string, num int) (*model.Tunnel, error) {
	data, err := c.rdb.Get(ctx, tunnelKey(org, num)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("tunnel %s/%d: %w", org, num, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading tunnel %s/%d: %w", org, num, err)
	}
	var t model.Tunnel
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding tunnel %s/%d: %w", org, num, err)
	}
	return &t, nil
}

// ListTunnels returns all tunnel records of an organization, active or not.
func (c *Client) ListTunnels(ctx context.Context, org string) ([]*model.Tunnel, error) {
	nums, err := c.rdb.SMembers(ctx, tunnelSetKey(org)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing tunnels for org %s: %w", org, err)
	}
	tunnels := make([]*model.Tunnel, 0, len(nums))
	for _, s := range nums {
		num, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		t, err := c.GetTunnel(ctx, org, num)
		if err != nil {
			return nil, err
		}
		tunnels = append(tunnels, t)
	}
	return tunnels, nil
}

// ListActiveTunnels returns only the active tunnels of an organization.
func (c *Client) ListActiveTunnels(ctx context.Context, org string) ([]*model.Tunnel, error) {
	all, err := c.ListTunnels(ctx, org)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, t := range all {
		if t.IsActive {
			active = append(active, t)
		}
	}
	return active, nil
}

// ClaimPairKey atomically claims a tunnel-existence index key. Returns false
// when the key is already claimed (a duplicate tunnel).
func (c *Client) ClaimPairKey(ctx context.Context, org, key string) (bool, error) {
	added, err := c.rdb.SAdd(ctx, pairIndexKey(org), key).Result()
	if err != nil {
		return false, fmt.Errorf("claiming pair key %s for org %s: %w", key, org, err)
	}
	return added == 1, nil
}

// ReleasePairKey removes a tunnel-existence index entry.
func (c *Client) ReleasePairKey(ctx context.Context, org, key string) error {
	if err := c.rdb.SRem(ctx, pairIndexKey(org), key).Err(); err != nil {
		return fmt.Errorf("releasing pair key %s for org %s: %w", key, org, err)
	}
	return nil
}

// SetTunnelConfirmed flips the per-endpoint configuration acknowledgement of
// a tunnel after a device reports successful application.
func (c *Client) SetTunnelConfirmed(ctx context.Context, org string, num int, target model.CompletionTarget) error {
	t, err := c.GetTunnel(ctx, org, num)
	if err != nil {
		return err
	}
	switch target {
	case model.TargetDeviceA:
		t.DeviceAConf = true
	case model.TargetDeviceB:
		t.DeviceBConf = true
	default:
		return fmt.Errorf("unknown completion target %q", target)
	}
	return c.SaveTunnel(ctx, t)
}

// ConfirmCompletions applies a bulk of job completion triples. Failures are
// counted, not fatal: the reconciliation engine catches residual drift.
func (c *Client) ConfirmCompletions(ctx context.Context, completions []model.Completion) (int, error) {
	confirmed := 0
	for _, comp := range completions {
		if err := c.SetTunnelConfirmed(ctx, comp.Org, comp.Num, comp.Target); err != nil {
			util.WithOrg(comp.Org).Warnf("confirming tunnel %d (%s): %v", comp.Num, comp.Target, err)
			continue
		}
		confirmed++
	}
	if confirmed != len(completions) {
		util.Warnf("confirmed %d of %d tunnel completions", confirmed, len(completions))
	}
	return confirmed, nil
}

// DeactivateTunnel marks a tunnel logically deleted: confirmation flags and
// keys are cleared, the record is kept, and the number joins the free set and
// the pair index entry is removed.
func (c *Client) DeactivateTunnel(ctx context.Context, org string, num int) error {
	t, err := c.GetTunnel(ctx, org, num)
	if err != nil {
		return err
	}
	pairKey := t.PairKey()
	t.IsActive = false
	t.IsPending = false
	t.PendingType = ""
	t.PendingReason = ""
	t.Keys = nil
	t.DeviceAConf = false
	t.DeviceBConf = false
	if err := c.SaveTunnel(ctx, t); err != nil {
		return err
	}
	if err := c.ReleasePairKey(ctx, org, pairKey); err != nil {
		return err
	}
	return c.ReleaseNum(ctx, org, num)
}
