package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

func peerKey(org, id string) string { return fmt.Sprintf("PEER|%s|%s", org, id) }
func peerSetKey(org string) string  { return fmt.Sprintf("PEER_IDS|%s", org) }

// SavePeer persists a peer profile.
func (c *Client) SavePeer(ctx context.Context, p *model.Peer) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding peer %s: %w", p.ID, err)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, peerKey(p.Org, p.ID), data, 0)
	pipe.SAdd(ctx, peerSetKey(p.Org), p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("saving peer %s: %w", p.ID, err)
	}
	return nil
}

// GetPeer loads one peer profile. Returns util.ErrNotFound if absent.
func (c *Client) GetPeer(ctx context.Context, org, id string) (*model.Peer, error) {
	data, err := c.rdb.Get(ctx, peerKey(org, id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("peer %s: %w", id, util.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading peer %s: %w", id, err)
	}
	var p model.Peer
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding peer %s: %w", id, err)
	}
	return &p, nil
}

// ListPeers returns all peer profiles of an organization.
func (c *Client) ListPeers(ctx context.Context, org string) ([]*model.Peer, error) {
	ids, err := c.rdb.SMembers(ctx, peerSetKey(org)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing peers for org %s: %w", org, err)
	}
	peers := make([]*model.Peer, 0, len(ids))
	for _, id := range ids {
		p, err := c.GetPeer(ctx, org, id)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// DeletePeer removes a peer profile. Returns util.ErrInUse when active
// tunnels still terminate at it.
func (c *Client) DeletePeer(ctx context.Context, org, id string) error {
	tunnels, err := c.ListActiveTunnels(ctx, org)
	if err != nil {
		return err
	}
	var using []string
	for _, t := range tunnels {
		if t.Peer == id {
			using = append(using, fmt.Sprintf("tunnel %d", t.Num))
		}
	}
	if len(using) > 0 {
		return util.NewInUseError(fmt.Sprintf("peer %s", id), using...)
	}
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, peerKey(org, id))
	pipe.SRem(ctx, peerSetKey(org), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting peer %s: %w", id, err)
	}
	return nil
}
