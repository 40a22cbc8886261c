package tunnel

import (
	"fmt"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

// IKEv2Validator checks a device's certificate/IKEv2 readiness. Provided by
// the certificate subsystem; the planner only consumes the verdict.
type IKEv2Validator interface {
	ValidateIKEv2(d *model.Device) (valid bool, reason string)
}

// Gate performs per-device-pair admission checks before tunnel intents are
// produced. Failed checks are skip decisions, never errors: the reason is
// recorded and the batch continues for unaffected pairs.
type Gate struct {
	ikev2 IKEv2Validator
}

// NewGate creates a capability gate.
func NewGate(ikev2 IKEv2Validator) *Gate {
	return &Gate{ikev2: ikev2}
}

// CheckPair evaluates a device pair, short-circuiting on the first failed
// check. Reasons are recorded against the affected device(s).
func (g *Gate) CheckPair(a, b *model.Device, enc model.EncryptionMethod, reasons *Reasons) bool {
	if !util.RouterVersionsCompatible(a.Versions.Router, b.Versions.Router) {
		reasons.AddDevice(
			fmt.Sprintf("devices %s and %s run incompatible router versions (%s, %s)",
				a.Hostname, b.Hostname, a.Versions.Router, b.Versions.Router),
			a.ID, b.ID)
		return false
	}

	switch enc {
	case model.EncryptionNone:
		for _, d := range []*model.Device{a, b} {
			if !util.SupportsFeature(d.Versions.Agent, util.FeatureNoEncryption) {
				reasons.AddDevice(
					fmt.Sprintf("device %s does not support unencrypted tunnels (agent %s)",
						d.Hostname, d.Versions.Agent),
					d.ID)
				return false
			}
		}
	case model.EncryptionIKEv2:
		for _, d := range []*model.Device{a, b} {
			if valid, reason := g.ikev2.ValidateIKEv2(d); !valid {
				reasons.AddDevice(
					fmt.Sprintf("IKEv2 not ready on device %s: %s", d.Hostname, reason),
					d.ID)
				return false
			}
		}
	}

	return true
}

// CheckPeerDevice evaluates a single device for device-to-peer tunnels.
func (g *Gate) CheckPeerDevice(d *model.Device, reasons *Reasons) bool {
	if !util.SupportsFeature(d.Versions.Agent, util.FeaturePeerTunnels) {
		reasons.AddDevice(
			fmt.Sprintf("device %s does not support peer tunnels (agent %s)",
				d.Hostname, d.Versions.Agent),
			d.ID)
		return false
	}
	if valid, reason := g.ikev2.ValidateIKEv2(d); !valid {
		reasons.AddDevice(
			fmt.Sprintf("IKEv2 not ready on device %s: %s", d.Hostname, reason),
			d.ID)
		return false
	}
	return true
}
