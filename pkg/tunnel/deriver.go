// Package tunnel implements the tunnel topology planner and its supporting
// pieces: deterministic parameter derivation, tunnel number allocation,
// capability gating, per-batch job dispatch and tunnel deletion.
package tunnel

import (
	"fmt"

	"github.com/wancore-net/wancore/pkg/util"
)

const (
	// MaxTunnelsPerOrg bounds the per-organization tunnel number namespace.
	MaxTunnelsPerOrg = 16384
	// MaxTunnelsPerDevice bounds how many tunnels a single device may hold.
	MaxTunnelsPerDevice = 8000

	// macPrefix is the locally-administered OUI used for derived tunnel MACs.
	macPrefix = "02:00:27"

	// MinMTU and MaxMTU clamp the effective tunnel MTU.
	MinMTU = 500
	MaxMTU = 1500

	// EncryptionOverhead is subtracted from the underlay MTU for encrypted
	// tunnels (ESP plus encapsulation headroom).
	EncryptionOverhead = 150
	// mssOffset is the TCP/IP header allowance subtracted from the MTU to
	// produce the advertised MSS.
	mssOffset = 40

	// WellKnownPort is the VXLAN destination port used when neither endpoint
	// reports a discovered public port.
	WellKnownPort = 4789
)

// clampMTU forces an MTU into the supported range.
func clampMTU(mtu int) int {
	if mtu < MinMTU {
		return MinMTU
	}
	if mtu > MaxMTU {
		return MaxMTU
	}
	return mtu
}

// Params are the per-tunnel network parameters derived from the tunnel
// number. They are recomputed on every resync rather than stored; only the
// PSK keys are persisted.
type Params struct {
	IP1  string // loopback address of endpoint A (/31 pair low address)
	IP2  string // loopback address of endpoint B (/31 pair high address)
	MAC1 string
	MAC2 string
	SA1  int
	SA2  int
}

// DeriveParams computes the addressing for a tunnel number within an
// organization's tunnel address range. Pure and deterministic: equal inputs
// always produce equal outputs.
func DeriveParams(num int, orgRange string) (*Params, error) {
	if num < 0 || num >= MaxTunnelsPerOrg {
		return nil, fmt.Errorf("tunnel number %d outside [0, %d)", num, MaxTunnelsPerOrg)
	}
	base, size, err := util.ParseIPv4Range(orgRange)
	if err != nil {
		return nil, fmt.Errorf("invalid org tunnel range: %w", err)
	}
	offset := uint32(num) * 2
	if offset+1 >= size {
		return nil, fmt.Errorf("tunnel number %d does not fit in range %s", num, orgRange)
	}
	return &Params{
		IP1:  util.FormatIPv4(base + offset),
		IP2:  util.FormatIPv4(base + offset + 1),
		MAC1: util.FormatMAC(macPrefix, offset),
		MAC2: util.FormatMAC(macPrefix, offset+1),
		SA1:  int(offset),
		SA2:  int(offset) + 1,
	}, nil
}
