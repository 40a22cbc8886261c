package tunnel

import (
	"fmt"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

// DefaultMTU is the organization-wide tunnel MTU applied when the batch does
// not request one.
const DefaultMTU = 1500

// LoopbackParams describes the overlay loopback interface created on each
// tunnel endpoint.
type LoopbackParams struct {
	Addr     string   `json:"addr"` // CIDR, /31
	MAC      string   `json:"mac"`
	MTU      int      `json:"mtu"`
	TCPMSS   int      `json:"tcp-mss-clamp,omitempty"`
	OSPFCost int      `json:"ospf-cost,omitempty"`
	OSPFArea string   `json:"ospf-area,omitempty"`
	Routing  string   `json:"routing,omitempty"`
	Labels   []string `json:"multilink-labels,omitempty"`
}

// SABlock is one unidirectional PSK security association.
type SABlock struct {
	SPI       int    `json:"spi"`
	CryptoKey string `json:"crypto-key"`
	IntegrKey string `json:"integr-key"`
	CryptoAlg string `json:"crypto-alg"`
	IntegrAlg string `json:"integr-alg"`
}

// IKEv2Role selects a side's role in the IKE exchange.
type IKEv2Role string

const (
	RoleInitiator IKEv2Role = "initiator"
	RoleResponder IKEv2Role = "responder"
)

// IKEv2Params is the IKEv2 negotiation block sent to an endpoint.
type IKEv2Params struct {
	Role          IKEv2Role          `json:"role"`
	RemoteFQDN    string             `json:"remote-device-id,omitempty"`
	LocalFQDN     string             `json:"local-device-id,omitempty"`
	PSK           string             `json:"psk,omitempty"`
	IKE           *model.IKEProposal `json:"ike,omitempty"`
	ESP           *model.ESPProposal `json:"esp,omitempty"`
	PFS           bool               `json:"pfs,omitempty"`
	LifetimeSec   int                `json:"lifetime,omitempty"`
	RemoteSubnets []string           `json:"remote-subnets,omitempty"`
}

// AddTunnelParams is the add-tunnel task payload for one endpoint.
type AddTunnelParams struct {
	Num     int    `json:"tunnel-id"`
	Src     string `json:"src"`
	Dst     string `json:"dst"`
	DstPort int    `json:"dstPort,omitempty"`

	EncryptionMethod model.EncryptionMethod `json:"encryption-method"`
	Loopback         LoopbackParams         `json:"loopback-iface"`

	LocalSA  *SABlock `json:"ipsec-local-sa,omitempty"`
	RemoteSA *SABlock `json:"ipsec-remote-sa,omitempty"`

	IKEv2 *IKEv2Params `json:"ikev2,omitempty"`

	Routing   string `json:"routing,omitempty"`
	RemoteASN string `json:"remote-asn,omitempty"`
}

// RemoveTunnelParams is the remove-tunnel task payload.
type RemoveTunnelParams struct {
	Num int `json:"tunnel-id"`
}

// RouteParams is the add-route / remove-route task payload for routes that
// depend on a tunnel's loopback addresses.
type RouteParams struct {
	Addr   string `json:"addr"`
	Via    string `json:"via"`
	IfName string `json:"ifname,omitempty"`
}

// BGPNeighborParams is the modify-routing-bgp payload adding or removing the
// tunnel's BGP neighbor on one endpoint.
type BGPNeighborParams struct {
	Action    string `json:"action"` // "add" | "remove"
	Neighbor  string `json:"neighbor"`
	RemoteASN string `json:"remote-asn,omitempty"`
}

// pskCryptoAlg/pskIntegrAlg are the fixed algorithms used for PSK tunnels.
const (
	pskCryptoAlg = "aes-cbc-128"
	pskIntegrAlg = "sha-256-128"
)

// ikev2Lifetime is the SA lifetime sent when both agents support PFS gating.
const ikev2Lifetime = 3600

// Endpoint bundles the resolved device-side inputs of one tunnel end.
type Endpoint struct {
	Device *model.Device
	Ifc    *model.Interface
}

// Builder turns a tunnel record plus endpoint info into the per-device
// configuration payloads. All derivation is deterministic so resync rebuilds
// byte-identical parameters.
type Builder struct {
	OrgRange   string // org tunnel address range, CIDR
	DefaultMTU int    // 0 means DefaultMTU
}

// BuiltParams is the builder output: one add-tunnel task per endpoint.
// TaskB is nil for peer tunnels.
type BuiltParams struct {
	ParamsA *AddTunnelParams
	ParamsB *AddTunnelParams

	// Derived loopback addresses, needed by dependent-route generation and
	// deletion-blocking checks.
	LoopbackA string
	LoopbackB string
}

// Build produces both endpoint payloads for a device-to-device tunnel.
//
// A missing interface IPv4 returns a PendingError: the tunnel record is kept
// pending and no jobs are produced until the address appears. An empty
// derived address returns ErrAddressEmpty and aborts this tunnel only.
func (b *Builder) Build(t *model.Tunnel, a, z Endpoint) (*BuiltParams, error) {
	if a.Ifc.IPv4 == "" {
		return nil, util.NewPendingError(util.PendingInterfaceHasNoIP,
			"interface %s of device %s has no IPv4 address", a.Ifc.Name, a.Device.Hostname)
	}
	if z.Ifc.IPv4 == "" {
		return nil, util.NewPendingError(util.PendingInterfaceHasNoIP,
			"interface %s of device %s has no IPv4 address", z.Ifc.Name, z.Device.Hostname)
	}

	params, err := DeriveParams(t.Num, b.OrgRange)
	if err != nil {
		return nil, err
	}
	if params.IP1 == "" || params.IP2 == "" {
		return nil, util.ErrAddressEmpty
	}

	mtu := b.effectiveMTU(t, a.Ifc, z.Ifc)
	mss := b.mss(t, mtu)

	dstForA, portForA := destination(a.Ifc, z.Ifc, z.Device)
	dstForB, portForB := destination(z.Ifc, a.Ifc, a.Device)
	if dstForA == "" || dstForB == "" {
		return nil, util.ErrAddressEmpty
	}

	labels := tunnelLabels(t)
	pa := &AddTunnelParams{
		Num: t.Num, Src: a.Ifc.IPv4, Dst: dstForA, DstPort: portForA,
		EncryptionMethod: t.EncryptionMethod,
		Loopback: LoopbackParams{
			Addr: params.IP1 + "/31", MAC: params.MAC1, MTU: mtu, TCPMSS: mss,
			OSPFCost: t.Advanced.OSPFCost, OSPFArea: t.Advanced.OSPFArea,
			Routing: string(t.Advanced.Routing), Labels: labels,
		},
	}
	pz := &AddTunnelParams{
		Num: t.Num, Src: z.Ifc.IPv4, Dst: dstForB, DstPort: portForB,
		EncryptionMethod: t.EncryptionMethod,
		Loopback: LoopbackParams{
			Addr: params.IP2 + "/31", MAC: params.MAC2, MTU: mtu, TCPMSS: mss,
			OSPFCost: t.Advanced.OSPFCost, OSPFArea: t.Advanced.OSPFArea,
			Routing: string(t.Advanced.Routing), Labels: labels,
		},
	}

	switch t.EncryptionMethod {
	case model.EncryptionNone:
		// no crypto fields
	case model.EncryptionIKEv2:
		pfs := util.BothSupportFeature(a.Device.Versions.Agent, z.Device.Versions.Agent, util.FeaturePFS)
		pa.IKEv2 = &IKEv2Params{Role: RoleInitiator, PFS: pfs}
		pz.IKEv2 = &IKEv2Params{Role: RoleResponder, PFS: pfs}
		if pfs {
			pa.IKEv2.LifetimeSec = ikev2Lifetime
			pz.IKEv2.LifetimeSec = ikev2Lifetime
		}
	case model.EncryptionPSK:
		if t.Keys == nil {
			return nil, fmt.Errorf("tunnel %d has no PSK keys", t.Num)
		}
		applySABlocks(pa, t.Keys, params, a.Device.Versions.Agent, true)
		applySABlocks(pz, t.Keys, params, z.Device.Versions.Agent, false)
	}

	if t.Advanced.Routing == model.RoutingBGP {
		applyRemoteASN(pa, a.Device, z.Device)
		applyRemoteASN(pz, z.Device, a.Device)
	}

	return &BuiltParams{
		ParamsA: pa, ParamsB: pz,
		LoopbackA: params.IP1, LoopbackB: params.IP2,
	}, nil
}

// BuildPeer produces the single endpoint payload for a device-to-peer tunnel.
// The device is always the IKE initiator and carries the full negotiation
// parameter block; the remote peer is unmanaged.
func (b *Builder) BuildPeer(t *model.Tunnel, a Endpoint, peer *model.Peer) (*BuiltParams, error) {
	if a.Ifc.IPv4 == "" {
		return nil, util.NewPendingError(util.PendingInterfaceHasNoIP,
			"interface %s of device %s has no IPv4 address", a.Ifc.Name, a.Device.Hostname)
	}
	if peer.RemoteIP == "" {
		return nil, util.ErrAddressEmpty
	}

	params, err := DeriveParams(t.Num, b.OrgRange)
	if err != nil {
		return nil, err
	}

	mtu := b.effectiveMTU(t, a.Ifc, nil)
	pa := &AddTunnelParams{
		Num: t.Num, Src: a.Ifc.IPv4, Dst: peer.RemoteIP,
		EncryptionMethod: model.EncryptionIKEv2,
		Loopback: LoopbackParams{
			Addr: params.IP1 + "/31", MAC: params.MAC1, MTU: mtu, TCPMSS: b.mss(t, mtu),
			OSPFCost: t.Advanced.OSPFCost, OSPFArea: t.Advanced.OSPFArea,
			Routing: string(t.Advanced.Routing), Labels: tunnelLabels(t),
		},
		IKEv2: &IKEv2Params{
			Role:          RoleInitiator,
			LocalFQDN:     peer.LocalFQDN,
			RemoteFQDN:    peer.RemoteFQDN,
			PSK:           peer.PSK,
			IKE:           &peer.IKEProposal,
			ESP:           &peer.ESPProposal,
			RemoteSubnets: peer.RemoteSubnets,
		},
	}

	return &BuiltParams{ParamsA: pa, LoopbackA: params.IP1, LoopbackB: params.IP2}, nil
}

// effectiveMTU computes min(requested-or-default, underlay interface MTUs
// minus the encryption overhead for encrypted tunnels), clamped to the
// supported range. The overhead applies to the underlay bound only: an
// explicitly requested MTU is taken as the desired tunnel MTU and is not
// reduced further.
func (b *Builder) effectiveMTU(t *model.Tunnel, ifcA, ifcB *model.Interface) int {
	mtu := t.Advanced.MTU
	if mtu == 0 {
		mtu = b.DefaultMTU
	}
	if mtu == 0 {
		mtu = DefaultMTU
	}

	underlay := MaxMTU
	if ifcA.MTU > 0 && ifcA.MTU < underlay {
		underlay = ifcA.MTU
	}
	if ifcB != nil && ifcB.MTU > 0 && ifcB.MTU < underlay {
		underlay = ifcB.MTU
	}
	if t.EncryptionMethod != model.EncryptionNone {
		underlay -= EncryptionOverhead
	}

	if underlay < mtu {
		mtu = underlay
	}
	return clampMTU(mtu)
}

// mss returns the TCP MSS clamp value, or 0 when the user disabled clamping.
func (b *Builder) mss(t *model.Tunnel, mtu int) int {
	if t.Advanced.MSSClamp == "no" {
		return 0
	}
	return mtu - mssOffset
}

// destination selects the address and port that `local` should dial to reach
// `remote`. Private addressing is used when either side lacks a public IP or
// both report the same one (same NAT). The well-known port is used in private
// mode, when the remote pinned a fixed port, or when its agent predates
// dynamic-port discovery.
func destination(local, remote *model.Interface, remoteDev *model.Device) (string, int) {
	usePrivate := local.PublicIP == "" || remote.PublicIP == "" || local.PublicIP == remote.PublicIP
	if usePrivate {
		return remote.IPv4, WellKnownPort
	}
	if remote.UseFixedPublicPort ||
		!util.SupportsFeature(remoteDev.Versions.Agent, util.FeatureDynamicPort) ||
		remote.PublicPort == 0 {
		return remote.PublicIP, WellKnownPort
	}
	return remote.PublicIP, remote.PublicPort
}

// applySABlocks attaches the directional PSK security associations. Key1/Key2
// protect the A-to-B direction, Key3/Key4 the reverse; the SPI pair comes
// from the derived parameters. Agents below the modern-SA-order minimum keep
// the legacy swapped SPI assignment so that tunnels to already-deployed old
// agents keep passing traffic.
func applySABlocks(p *AddTunnelParams, keys *model.TunnelKeys, params *Params, agentVer string, isSideA bool) {
	sa1, sa2 := params.SA1, params.SA2
	if !util.SupportsFeature(agentVer, util.FeatureModernSAOrder) {
		sa1, sa2 = sa2, sa1
	}
	outbound := &SABlock{SPI: sa1, CryptoKey: keys.Key1, IntegrKey: keys.Key2,
		CryptoAlg: pskCryptoAlg, IntegrAlg: pskIntegrAlg}
	inbound := &SABlock{SPI: sa2, CryptoKey: keys.Key3, IntegrKey: keys.Key4,
		CryptoAlg: pskCryptoAlg, IntegrAlg: pskIntegrAlg}
	if isSideA {
		p.LocalSA, p.RemoteSA = outbound, inbound
	} else {
		p.LocalSA, p.RemoteSA = inbound, outbound
	}
}

// applyRemoteASN appends the remote-ASN field when the local agent is new
// enough to parse it. This minimum is independent of the general feature
// gates used elsewhere.
func applyRemoteASN(p *AddTunnelParams, local, remote *model.Device) {
	p.Routing = string(model.RoutingBGP)
	if util.SupportsFeature(local.Versions.Agent, util.FeatureRemoteASN) {
		p.RemoteASN = remote.BGP.LocalASN
	}
}

// tunnelLabels returns the loopback multilink label list of a tunnel.
func tunnelLabels(t *model.Tunnel) []string {
	if t.PathLabel == "" {
		return nil
	}
	return []string{t.PathLabel}
}
