// Package model defines the persisted record shapes of the tunnel control
// plane: tunnels, devices, peers and job tasks.
package model

import "github.com/wancore-net/wancore/pkg/util"

// EncryptionMethod is the organization-wide tunnel encryption policy, fixed
// per tunnel at creation time.
type EncryptionMethod string

const (
	EncryptionNone  EncryptionMethod = "none"
	EncryptionIKEv2 EncryptionMethod = "ikev2"
	EncryptionPSK   EncryptionMethod = "psk"
)

// Valid reports whether m is a known encryption method.
func (m EncryptionMethod) Valid() bool {
	switch m {
	case EncryptionNone, EncryptionIKEv2, EncryptionPSK:
		return true
	}
	return false
}

// RoutingProtocol selects the routing protocol running over a tunnel.
type RoutingProtocol string

const (
	RoutingOSPF RoutingProtocol = "ospf"
	RoutingBGP  RoutingProtocol = "bgp"
)

// Topology is the organization topology policy.
type Topology string

const (
	TopologyFullMesh    Topology = "fullMesh"
	TopologyHubAndSpoke Topology = "hubAndSpoke"
)

// AllPathLabels is the sentinel label id meaning "all labels".
const AllPathLabels = "FFFFFF"

// AdvancedOptions carries user-tunable per-batch tunnel parameters.
type AdvancedOptions struct {
	MTU      int             `json:"mtu,omitempty"`      // 0 means global default
	MSSClamp string          `json:"mssClamp,omitempty"` // "yes" | "no" | ""
	OSPFCost int             `json:"ospfCost,omitempty"`
	OSPFArea string          `json:"ospfArea,omitempty"`
	Routing  RoutingProtocol `json:"routing,omitempty"`
}

// TunnelKeys holds the four symmetric PSK direction keys. Generated exactly
// once per tunnel and reused on every resync.
type TunnelKeys struct {
	Key1 string `json:"key1"`
	Key2 string `json:"key2"`
	Key3 string `json:"key3"`
	Key4 string `json:"key4"`
}

// Tunnel is the central persisted entity, identified by (Org, Num).
//
// Exactly one of DeviceB or Peer is set: a tunnel is either device-to-device
// or device-to-external-peer, never both. Logically-deleted tunnels keep
// their Num (IsActive=false) so the number can be reused.
type Tunnel struct {
	Org string `json:"org"`
	Num int    `json:"num"`

	IsActive      bool             `json:"isActive"`
	IsPending     bool             `json:"isPending"`
	PendingType   util.PendingType `json:"pendingType,omitempty"`
	PendingReason string           `json:"pendingReason,omitempty"`

	DeviceA    string `json:"deviceA"`
	InterfaceA string `json:"interfaceA"`
	DeviceB    string `json:"deviceB,omitempty"`
	InterfaceB string `json:"interfaceB,omitempty"`
	Peer       string `json:"peer,omitempty"`

	PathLabel string `json:"pathlabel,omitempty"`

	EncryptionMethod EncryptionMethod `json:"encryptionMethod"`
	Keys             *TunnelKeys      `json:"tunnelKeys,omitempty"`

	Advanced AdvancedOptions `json:"advancedOptions"`

	// Per-endpoint configuration acknowledgements, used to detect partial
	// application.
	DeviceAConf bool `json:"deviceAconf"`
	DeviceBConf bool `json:"deviceBconf"`
}

// IsPeerTunnel reports whether the tunnel terminates at an external peer
// profile rather than a managed device.
func (t *Tunnel) IsPeerTunnel() bool {
	return t.Peer != ""
}

// PairKey returns the duplicate-detection index key for this tunnel. The
// planner checks the key in both interface orderings. Peer tunnels have no
// second interface; the peer id takes its place so the key matches what
// creation claimed.
func (t *Tunnel) PairKey() string {
	if t.IsPeerTunnel() {
		return PairKey(t.InterfaceA, "peer:"+t.Peer, t.PathLabel)
	}
	return PairKey(t.InterfaceA, t.InterfaceB, t.PathLabel)
}

// PairKey builds the tunnel-existence index key for an interface pair and
// path label. The empty label counts as its own bucket.
func PairKey(ifcA, ifcB, label string) string {
	return ifcA + ":" + ifcB + ":" + label
}
