package tunnel

import (
	"context"
	"fmt"
	"sort"

	"github.com/wancore-net/wancore/pkg/model"
)

// planPeers enumerates device-to-peer tunnel intents: a single device loop
// crossing each device's eligible WAN interfaces with every supplied peer
// profile. Peer tunnels are externally routable, so the duplicate rules are
// stricter than device-to-device: at most one active tunnel per
// (device, peer) pair, at most one per (interface IP, peer remote IP) pair
// org-wide, and interfaces carrying more than one matching label are skipped
// outright rather than producing one tunnel per label.
func (p *Planner) planPeers(ctx context.Context, req *PlanRequest, existing []*model.Tunnel) (*PlanResult, error) {
	st := seedState(existing)
	requested, allLabels := requestedLabelSet(req.PathLabels)

	devicePeer := make(map[string]bool) // "devID|peerID"
	srcDst := make(map[string]bool)     // "ifcIP|peerRemoteIP"
	for _, l := range req.ExistingPeerLinks {
		devicePeer[l.DeviceID+"|"+l.PeerID] = true
		srcDst[l.SrcIP+"|"+l.DstIP] = true
	}

	for _, d := range req.Devices {
		if !p.gate.CheckPeerDevice(d, st.reasons) {
			continue
		}
		wans := EligibleWANInterfaces(d)
		if len(wans) == 0 {
			st.reasons.AddDevice(noWANReason(d), d.ID)
			continue
		}

		for _, peer := range req.Peers {
			found := false
			for i := range wans {
				if err := st.yield(ctx); err != nil {
					return nil, err
				}
				wa := &wans[i]

				label, ok := p.peerLabel(st, d, wa, requested, allLabels)
				if !ok {
					continue
				}
				found = true

				if devicePeer[d.ID+"|"+peer.ID] {
					st.reasons.AddDevice(
						fmt.Sprintf("tunnel between device %s and peer %s exists already",
							d.Hostname, peer.Name), d.ID)
					continue
				}
				if srcDst[wa.Ifc.IPv4+"|"+peer.RemoteIP] {
					st.reasons.AddDevice(
						fmt.Sprintf("tunnel from %s to peer address %s exists already",
							wa.Ifc.IPv4, peer.RemoteIP), d.ID)
					continue
				}
				if st.deviceCount[d.ID] >= MaxTunnelsPerDevice {
					st.reasons.AddDevice(
						fmt.Sprintf("tunnel capacity exceeded on device %s (%d)",
							d.Hostname, MaxTunnelsPerDevice), d.ID)
					continue
				}

				devicePeer[d.ID+"|"+peer.ID] = true
				srcDst[wa.Ifc.IPv4+"|"+peer.RemoteIP] = true
				st.deviceCount[d.ID]++
				st.intents = append(st.intents, Intent{
					DeviceA: d, IfcA: wa.Ifc,
					Peer:      peer,
					PathLabel: label,
				})
			}
			if !found && (len(requested) > 0 || allLabels) {
				st.reasons.AddOrg(fmt.Sprintf("no Path Labels match between device %s and peer %s",
					d.Hostname, peer.Name))
			}
		}
	}

	return &PlanResult{Intents: st.intents, Reasons: st.reasons}, nil
}

// peerLabel resolves the single usable label for a peer tunnel interface, or
// reports that the interface must be skipped. Interfaces with more than one
// matching label are rejected entirely: a peer tunnel must map to exactly one
// label, and guessing which would be unsafe for externally routable traffic.
func (p *Planner) peerLabel(st *planState, d *model.Device, wa *WANInterface, requested map[string]bool, allLabels bool) (string, bool) {
	if len(requested) == 0 && !allLabels {
		if len(wa.Labels) > 0 {
			st.reasons.AddDevice(
				fmt.Sprintf("Path Labels specified on interface %s of device %s",
					wa.Ifc.Name, d.Hostname), d.ID)
			return "", false
		}
		return "", true
	}

	var matches []string
	for id := range wa.Labels {
		if allLabels || requested[id] {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", false
	case 1:
		return matches[0], true
	default:
		sort.Strings(matches)
		st.reasons.AddDevice(
			fmt.Sprintf("multiple Path Labels on interface %s of device %s; peer tunnels require exactly one",
				wa.Ifc.Name, d.Hostname), d.ID)
		return "", false
	}
}
