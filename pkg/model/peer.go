package model

// Peer is a static remote IKEv2 endpoint profile. A device may hold at most
// one active tunnel per peer profile, and at most one tunnel per distinct
// (interface IP, peer remote IP) pair org-wide.
type Peer struct {
	ID       string `json:"_id"`
	Org      string `json:"org"`
	Name     string `json:"name"`
	RemoteIP string `json:"remoteIP"`

	// IKEv2 identification
	LocalFQDN  string `json:"localFQDN,omitempty"`
	RemoteFQDN string `json:"remoteFQDN,omitempty"`
	PSK        string `json:"psk,omitempty"`

	// Negotiation parameter blocks, sent verbatim to the initiator.
	IKEProposal IKEProposal `json:"ikeProposal"`
	ESPProposal ESPProposal `json:"espProposal"`

	// Remote subnets reachable through the peer.
	RemoteSubnets []string `json:"urls,omitempty"`
}

// IKEProposal is the IKE SA negotiation block for peer tunnels.
type IKEProposal struct {
	CryptoAlg   string `json:"crypto-alg"`
	IntegAlg    string `json:"integ-alg"`
	DHGroup     string `json:"dh-group"`
	KeySize     int    `json:"key-size,omitempty"`
	LifetimeSec int    `json:"lifetime,omitempty"`
}

// ESPProposal is the ESP (child SA) negotiation block for peer tunnels.
type ESPProposal struct {
	CryptoAlg   string `json:"crypto-alg"`
	IntegAlg    string `json:"integ-alg"`
	DHGroup     string `json:"dh-group,omitempty"`
	KeySize     int    `json:"key-size,omitempty"`
	PFS         bool   `json:"pfs,omitempty"`
	LifetimeSec int    `json:"lifetime,omitempty"`
}
