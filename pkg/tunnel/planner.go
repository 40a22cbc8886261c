package tunnel

import (
	"context"
	"fmt"
	"sort"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

// yieldEvery bounds how many tunnel intents are processed between context
// checks during combinatorial enumeration. Large fleets produce tens of
// thousands of device/interface/label combinations; checking the context
// keeps background batches cancellable and the scheduler fed.
const yieldEvery = 100

// NotificationThresholds are optional per-batch tunnel health thresholds.
type NotificationThresholds struct {
	DropRatePercent int `json:"dropRate,omitempty"`
	RTTMs           int `json:"rttMs,omitempty"`
}

// PlanRequest describes one tunnel creation batch.
type PlanRequest struct {
	Org     string
	Devices []*model.Device

	Topology model.Topology
	// HubIndex selects the hub device within Devices. Only meaningful for
	// hub-and-spoke.
	HubIndex int

	// PathLabels are the requested label ids. Empty means "no labels": only
	// unlabeled interface pairs are eligible. The sentinel model.AllPathLabels
	// requests every label.
	PathLabels []string

	Encryption    model.EncryptionMethod
	Advanced      model.AdvancedOptions
	Notifications *NotificationThresholds

	// Peers switches the planner to peer mode: each device's eligible WAN
	// interfaces are crossed with every supplied peer profile instead of
	// with other devices.
	Peers []*model.Peer

	// ExistingPeerLinks is the precomputed duplicate index for peer mode:
	// one entry per active device-to-peer tunnel in the org, resolved by
	// the caller against the device directory. Ignored in device mode.
	ExistingPeerLinks []PeerLink
}

// PeerLink identifies one existing device-to-peer tunnel for duplicate
// detection.
type PeerLink struct {
	DeviceID string
	PeerID   string
	SrcIP    string
	DstIP    string
}

// Intent is one surviving tunnel creation candidate.
type Intent struct {
	DeviceA *model.Device
	IfcA    *model.Interface
	DeviceB *model.Device
	IfcB    *model.Interface
	Peer    *model.Peer

	PathLabel string
}

// PairKey returns the duplicate-detection key of the intent.
func (in *Intent) PairKey() string {
	if in.Peer != nil {
		return model.PairKey(in.IfcA.DevID, "peer:"+in.Peer.ID, in.PathLabel)
	}
	return model.PairKey(in.IfcA.DevID, in.IfcB.DevID, in.PathLabel)
}

// PlanResult is the planner output: surviving intents plus the accumulated
// skip reasons.
type PlanResult struct {
	Intents []Intent
	Reasons *Reasons
}

// Planner enumerates candidate device/interface pairs for the requested
// topology, applies path-label intersection rules, deduplicates against
// existing tunnels and enforces capacity limits.
type Planner struct {
	gate *Gate
}

// NewPlanner creates a planner using the given capability gate.
func NewPlanner(gate *Gate) *Planner {
	return &Planner{gate: gate}
}

// ValidateRequest checks a batch request for malformed parameters. Any
// failure rejects the entire operation before allocation starts.
func ValidateRequest(req *PlanRequest) error {
	v := &util.ValidationBuilder{}

	if req.Advanced.MTU != 0 && (req.Advanced.MTU < MinMTU || req.Advanced.MTU > MaxMTU) {
		v.AddErrorf("MTU must be within [%d, %d], got %d", MinMTU, MaxMTU, req.Advanced.MTU)
	}
	switch req.Advanced.MSSClamp {
	case "", "yes", "no":
	default:
		v.AddErrorf("invalid MSS clamp value %q (expected yes or no)", req.Advanced.MSSClamp)
	}
	if req.Advanced.OSPFCost < 0 {
		v.AddErrorf("OSPF cost must be positive, got %d", req.Advanced.OSPFCost)
	}
	if req.Advanced.OSPFArea != "" && !util.IsValidIPv4(req.Advanced.OSPFArea) {
		v.AddErrorf("invalid OSPF area %q", req.Advanced.OSPFArea)
	}
	switch req.Advanced.Routing {
	case "", model.RoutingOSPF, model.RoutingBGP:
	default:
		v.AddErrorf("unknown routing protocol %q", req.Advanced.Routing)
	}
	if !req.Encryption.Valid() {
		v.AddErrorf("unknown encryption method %q", req.Encryption)
	}

	switch req.Topology {
	case model.TopologyFullMesh:
	case model.TopologyHubAndSpoke:
		if req.HubIndex < 0 || req.HubIndex >= len(req.Devices) {
			v.AddErrorf("hub index %d out of range for %d devices", req.HubIndex, len(req.Devices))
		}
	default:
		if len(req.Peers) == 0 {
			v.AddErrorf("unknown topology %q", req.Topology)
		}
	}

	if req.Advanced.Routing == model.RoutingBGP {
		for _, d := range req.Devices {
			if !d.BGP.Enable {
				v.AddErrorf("BGP routing requested but BGP is not enabled on device %s", d.Hostname)
			}
		}
	}

	if n := req.Notifications; n != nil {
		if n.DropRatePercent < 0 || n.DropRatePercent > 100 {
			v.AddErrorf("drop rate threshold must be within [0, 100], got %d", n.DropRatePercent)
		}
		if n.RTTMs < 0 {
			v.AddErrorf("RTT threshold must be positive, got %d", n.RTTMs)
		}
	}

	return v.Build()
}

// planState carries the mutable bookkeeping of one enumeration.
type planState struct {
	reasons     *Reasons
	existing    map[string]bool // pair keys of active tunnels, both orderings
	deviceCount map[string]int  // active tunnel count per device id
	processed   int
	intents     []Intent
}

// seedState builds the dedup index and per-device counters from the existing
// active tunnels.
func seedState(existing []*model.Tunnel) *planState {
	st := &planState{
		reasons:     NewReasons(),
		existing:    make(map[string]bool),
		deviceCount: make(map[string]int),
	}
	for _, t := range existing {
		if !t.IsActive {
			continue
		}
		st.existing[t.PairKey()] = true
		st.existing[model.PairKey(t.InterfaceB, t.InterfaceA, t.PathLabel)] = true
		st.deviceCount[t.DeviceA]++
		if t.DeviceB != "" {
			st.deviceCount[t.DeviceB]++
		}
	}
	return st
}

// yield checks the context every yieldEvery processed combinations.
func (st *planState) yield(ctx context.Context) error {
	st.processed++
	if st.processed%yieldEvery == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Plan enumerates tunnel creation intents for the request. The existing
// active tunnels seed the dedup index and the capacity counters.
func (p *Planner) Plan(ctx context.Context, req *PlanRequest, existing []*model.Tunnel) (*PlanResult, error) {
	// Peer tunnels are always IKEv2; the batch may leave the method unset.
	if len(req.Peers) > 0 && req.Encryption == "" {
		req.Encryption = model.EncryptionIKEv2
	}
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if len(req.Peers) > 0 {
		return p.planPeers(ctx, req, existing)
	}

	st := seedState(existing)
	requested, allLabels := requestedLabelSet(req.PathLabels)

	pairs := devicePairs(req)
	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		if !p.gate.CheckPair(a, b, req.Encryption, st.reasons) {
			continue
		}

		wansA := EligibleWANInterfaces(a)
		if len(wansA) == 0 {
			st.reasons.AddDevice(noWANReason(a), a.ID)
			continue
		}
		wansB := EligibleWANInterfaces(b)
		if len(wansB) == 0 {
			st.reasons.AddDevice(noWANReason(b), b.ID)
			continue
		}

		foundCombination := false
		for i := range wansA {
			for j := range wansB {
				if err := st.yield(ctx); err != nil {
					return nil, err
				}
				wa, wb := &wansA[i], &wansB[j]

				if len(requested) == 0 && !allLabels {
					// No labels requested: only fully unlabeled interface
					// pairs may form tunnels, otherwise the batch would
					// silently bypass the org's path-label segmentation.
					if len(wa.Labels) > 0 {
						st.reasons.AddDevice(
							fmt.Sprintf("Path Labels specified on interface %s of device %s", wa.Ifc.Name, a.Hostname), a.ID)
						continue
					}
					if len(wb.Labels) > 0 {
						st.reasons.AddDevice(
							fmt.Sprintf("Path Labels specified on interface %s of device %s", wb.Ifc.Name, b.Hostname), b.ID)
						continue
					}
					foundCombination = true
					st.tryIntent(a, b, wa.Ifc, wb.Ifc, "")
					continue
				}

				inter := labelIntersection(wa.Labels, wb.Labels)
				sort.Strings(inter)
				for _, label := range inter {
					if !allLabels && !requested[label] {
						continue
					}
					foundCombination = true
					st.tryIntent(a, b, wa.Ifc, wb.Ifc, label)
				}
			}
		}

		if !foundCombination && (len(requested) > 0 || allLabels) {
			st.reasons.AddOrg(fmt.Sprintf("no Path Labels intersection between devices %s and %s",
				a.Hostname, b.Hostname))
		}
	}

	return &PlanResult{Intents: st.intents, Reasons: st.reasons}, nil
}

// tryIntent applies dedup and capacity checks to one (interface pair, label)
// combination and appends the intent if it survives.
func (st *planState) tryIntent(a, b *model.Device, ifcA, ifcB *model.Interface, label string) {
	key := model.PairKey(ifcA.DevID, ifcB.DevID, label)
	rev := model.PairKey(ifcB.DevID, ifcA.DevID, label)
	if st.existing[key] || st.existing[rev] {
		st.reasons.AddDevice(
			fmt.Sprintf("tunnel between %s and %s exists already", a.Hostname, b.Hostname),
			a.ID, b.ID)
		return
	}

	// Both endpoints are checked before either counter moves, so a full
	// device never consumes capacity on its peer.
	if st.deviceCount[a.ID] >= MaxTunnelsPerDevice {
		st.reasons.AddDevice(
			fmt.Sprintf("tunnel capacity exceeded on device %s (%d)", a.Hostname, MaxTunnelsPerDevice), a.ID)
		return
	}
	if st.deviceCount[b.ID] >= MaxTunnelsPerDevice {
		st.reasons.AddDevice(
			fmt.Sprintf("tunnel capacity exceeded on device %s (%d)", b.Hostname, MaxTunnelsPerDevice), b.ID)
		return
	}

	st.existing[key] = true
	st.existing[rev] = true
	st.deviceCount[a.ID]++
	st.deviceCount[b.ID]++
	st.intents = append(st.intents, Intent{
		DeviceA: a, IfcA: ifcA,
		DeviceB: b, IfcB: ifcB,
		PathLabel: label,
	})
}

// requestedLabelSet converts the requested label ids into a set and detects
// the "all labels" sentinel.
func requestedLabelSet(labels []string) (map[string]bool, bool) {
	set := make(map[string]bool, len(labels))
	all := false
	for _, id := range labels {
		if id == model.AllPathLabels {
			all = true
			continue
		}
		set[id] = true
	}
	return set, all
}

// devicePairs enumerates the device pairs for the topology policy: every
// unordered pair for full mesh, (hub, spoke) pairs only for hub-and-spoke.
func devicePairs(req *PlanRequest) [][2]*model.Device {
	var pairs [][2]*model.Device
	switch req.Topology {
	case model.TopologyHubAndSpoke:
		hub := req.Devices[req.HubIndex]
		for i, d := range req.Devices {
			if i == req.HubIndex {
				continue
			}
			pairs = append(pairs, [2]*model.Device{hub, d})
		}
	default: // full mesh
		for i := 0; i < len(req.Devices); i++ {
			for j := i + 1; j < len(req.Devices); j++ {
				pairs = append(pairs, [2]*model.Device{req.Devices[i], req.Devices[j]})
			}
		}
	}
	return pairs
}
