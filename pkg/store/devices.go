package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

func deviceKey(org, id string) string { return fmt.Sprintf("DEVICE|%s|%s", org, id) }
func deviceSetKey(org string) string  { return fmt.Sprintf("DEVICE_IDS|%s", org) }
func machineIdxKey(org string) string { return fmt.Sprintf("DEVICE_MACHINE|%s", org) }

// SaveDevice persists a device document and indexes it by machine id.
func (c *Client) SaveDevice(ctx context.Context, d *model.Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding device %s: %w", d.ID, err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, deviceKey(d.Org, d.ID), data, 0)
	pipe.SAdd(ctx, deviceSetKey(d.Org), d.ID)
	pipe.HSet(ctx, machineIdxKey(d.Org), d.MachineID, d.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving device %s: %w", d.ID, err)
	}
	return nil
}

// GetDevice loads one device document. Returns util.ErrNotFound if absent.
func (c *Client) GetDevice(ctx context.Context, org, id string) (*model.Device, error) {
	data, err := c.rdb.Get(ctx, deviceKey(org, id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("device %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading device %s: %w", id, err)
	}
	var d model.Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding device %s: %w", id, err)
	}
	return &d, nil
}

// GetDeviceByMachine resolves a device by its agent machine id.
func (c *Client) GetDeviceByMachine(ctx context.Context, org, machineID string) (*model.Device, error) {
	id, err := c.rdb.HGet(ctx, machineIdxKey(org), machineID).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("machine %s: %w", machineID, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving machine %s: %w", machineID, err)
	}
	return c.GetDevice(ctx, org, id)
}

// ListDevices returns all device documents of an organization.
func (c *Client) ListDevices(ctx context.Context, org string) ([]*model.Device, error) {
	ids, err := c.rdb.SMembers(ctx, deviceSetKey(org)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing devices for org %s: %w", org, err)
	}
	devices := make([]*model.Device, 0, len(ids))
	for _, id := range ids {
		d, err := c.GetDevice(ctx, org, id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// DeleteDevice removes a device document and its indexes.
func (c *Client) DeleteDevice(ctx context.Context, org, id string) error {
	d, err := c.GetDevice(ctx, org, id)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, deviceKey(org, id))
	pipe.SRem(ctx, deviceSetKey(org), id)
	pipe.HDel(ctx, machineIdxKey(org), d.MachineID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	return nil
}
