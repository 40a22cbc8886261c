package sync

import (
	"context"
	"sort"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/tunnel"
	"github.com/wancore-net/wancore/pkg/util"
)

// TunnelLister lists an organization's tunnel records.
type TunnelLister interface {
	ListTunnels(ctx context.Context, org string) ([]*model.Tunnel, error)
}

// DeviceResolver resolves devices by id and by machine id.
type DeviceResolver interface {
	GetDevice(ctx context.Context, org, id string) (*model.Device, error)
	GetDeviceByMachine(ctx context.Context, org, machineID string) (*model.Device, error)
}

// TunnelsModule contributes the tunnel desired state to full-sync jobs: one
// add-tunnel request per active, non-pending tunnel terminating on the
// device, rebuilt deterministically from the persisted records.
type TunnelsModule struct {
	Tunnels    TunnelLister
	Devices    DeviceResolver
	Peers      tunnel.PeerDirectory
	OrgRange   string
	DefaultMTU int
}

// Name implements Module.
func (m *TunnelsModule) Name() string { return "tunnels" }

// SyncRequests implements Module. Parameter building is pure given the
// stored records, so repeated syncs of an unchanged fleet produce identical
// request lists.
func (m *TunnelsModule) SyncRequests(ctx context.Context, org, machineID string) ([]model.Task, interface{}, error) {
	dev, err := m.Devices.GetDeviceByMachine(ctx, org, machineID)
	if err != nil {
		return nil, nil, err
	}
	all, err := m.Tunnels.ListTunnels(ctx, org)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Num < all[j].Num })

	b := &tunnel.Builder{OrgRange: m.OrgRange, DefaultMTU: m.DefaultMTU}
	var tasks []model.Task
	var completions []model.Completion
	for _, t := range all {
		if !t.IsActive || t.IsPending {
			continue
		}
		if t.DeviceA != dev.ID && t.DeviceB != dev.ID {
			continue
		}
		task, comp, err := m.buildFor(ctx, b, t, dev)
		if err != nil {
			// A single unbuildable tunnel must not block syncing the rest
			// of the device's configuration.
			util.WithTunnel(org, t.Num).Warnf("excluding tunnel from full sync: %v", err)
			continue
		}
		tasks = append(tasks, task)
		completions = append(completions, comp)
	}

	if len(completions) == 0 {
		return tasks, nil, nil
	}
	return tasks, completions, nil
}

func (m *TunnelsModule) buildFor(ctx context.Context, b *tunnel.Builder, t *model.Tunnel, dev *model.Device) (model.Task, model.Completion, error) {
	var zero model.Task
	var zeroC model.Completion

	devA, err := m.Devices.GetDevice(ctx, t.Org, t.DeviceA)
	if err != nil {
		return zero, zeroC, err
	}
	ifcA := devA.Interface(t.InterfaceA)
	if ifcA == nil {
		return zero, zeroC, util.ErrNotFound
	}

	if t.IsPeerTunnel() {
		peer, err := m.Peers.GetPeer(ctx, t.Org, t.Peer)
		if err != nil {
			return zero, zeroC, err
		}
		built, err := b.BuildPeer(t, tunnel.Endpoint{Device: devA, Ifc: ifcA}, peer)
		if err != nil {
			return zero, zeroC, err
		}
		return model.NewAgentTask(model.MsgAddTunnel, built.ParamsA),
			model.Completion{Org: t.Org, Num: t.Num, Target: model.TargetDeviceA}, nil
	}

	devB, err := m.Devices.GetDevice(ctx, t.Org, t.DeviceB)
	if err != nil {
		return zero, zeroC, err
	}
	ifcB := devB.Interface(t.InterfaceB)
	if ifcB == nil {
		return zero, zeroC, util.ErrNotFound
	}
	built, err := b.Build(t, tunnel.Endpoint{Device: devA, Ifc: ifcA}, tunnel.Endpoint{Device: devB, Ifc: ifcB})
	if err != nil {
		return zero, zeroC, err
	}

	if dev.ID == t.DeviceA {
		return model.NewAgentTask(model.MsgAddTunnel, built.ParamsA),
			model.Completion{Org: t.Org, Num: t.Num, Target: model.TargetDeviceA}, nil
	}
	return model.NewAgentTask(model.MsgAddTunnel, built.ParamsB),
		model.Completion{Org: t.Org, Num: t.Num, Target: model.TargetDeviceB}, nil
}
