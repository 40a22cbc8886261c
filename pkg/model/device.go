package model

// InterfaceType classifies a device interface.
type InterfaceType string

const (
	InterfaceWAN InterfaceType = "WAN"
	InterfaceLAN InterfaceType = "LAN"
)

// PathLabelTypeDIA marks Direct-Internet-Access labels, which are never
// usable for tunnels.
const PathLabelTypeDIA = "DIA"

// PathLabel is a classification tag attached to WAN interfaces, partitioning
// them into logical transport classes (e.g. "MPLS", "Internet").
type PathLabel struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Interface is a device network interface as reported by the device
// directory.
type Interface struct {
	DevID              string      `json:"devId"`
	Name               string      `json:"name"`
	Type               InterfaceType `json:"type"`
	IsAssigned         bool        `json:"isAssigned"`
	IPv4               string      `json:"IPv4"` // bare address, no mask
	IPv4Mask           string      `json:"IPv4Mask,omitempty"`
	PublicIP           string      `json:"PublicIP"`   // STUN-discovered
	PublicPort         int         `json:"PublicPort"` // STUN-discovered
	UseFixedPublicPort bool        `json:"useFixedPublicPort"`
	MTU                int         `json:"mtu,omitempty"`
	BandwidthMbps      int         `json:"bandwidthMbps,omitempty"`
	PathLabels         []PathLabel `json:"pathlabels,omitempty"`
}

// Versions is the device software version triple governing feature gating.
type Versions struct {
	Agent  string `json:"agent"`
	Router string `json:"router"`
	VPP    string `json:"vpp,omitempty"`
	FRR    string `json:"frr,omitempty"`
}

// StaticRoute is a configured static route on a device. Conditions lists
// addresses the route is conditioned on (the route is installed only while
// they are reachable).
type StaticRoute struct {
	Destination string   `json:"destination"`
	Gateway     string   `json:"gateway"`
	IfName      string   `json:"ifname,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
}

// BGPConfig is the device-level BGP configuration.
type BGPConfig struct {
	Enable   bool   `json:"enable"`
	LocalASN string `json:"localASN,omitempty"`
}

// RouteRef is one static route resolved together with the device carrying
// it. Produced by route-dependency queries.
type RouteRef struct {
	Device *Device
	Route  StaticRoute
}

// Device is a managed edge device document from the device directory.
// Consumed read-mostly by the planner; mutated only through the store.
type Device struct {
	ID           string        `json:"_id"`
	Org          string        `json:"org"`
	Hostname     string        `json:"hostname"`
	MachineID    string        `json:"machineId"`
	Versions     Versions      `json:"versions"`
	Interfaces   []Interface   `json:"interfaces"`
	StaticRoutes []StaticRoute `json:"staticroutes,omitempty"`
	BGP          BGPConfig     `json:"bgp"`
}

// Interface returns the named interface by device-internal id, or nil.
func (d *Device) Interface(devID string) *Interface {
	for i := range d.Interfaces {
		if d.Interfaces[i].DevID == devID {
			return &d.Interfaces[i]
		}
	}
	return nil
}
