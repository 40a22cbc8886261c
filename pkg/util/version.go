package util

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Feature names gate version-dependent behavior during tunnel parameter
// building. All version gates live in one table so the per-feature minimums
// cannot drift between call sites.
type Feature string

const (
	// FeatureNoEncryption allows unencrypted tunnels.
	FeatureNoEncryption Feature = "noEncryption"
	// FeaturePeerTunnels allows device-to-peer IKEv2 tunnels.
	FeaturePeerTunnels Feature = "peerTunnels"
	// FeaturePFS enables Perfect-Forward-Secrecy and lifetime parameters.
	// Requires both tunnel endpoints to support it.
	FeaturePFS Feature = "pfs"
	// FeatureRemoteASN enables remote-ASN fields in BGP tunnel parameters.
	FeatureRemoteASN Feature = "remoteASN"
	// FeatureDynamicPort enables STUN-discovered public ports; older agents
	// only speak the well-known fixed port.
	FeatureDynamicPort Feature = "dynamicPort"
	// FeatureModernSAOrder selects the corrected security-association index
	// assignment. Agents below the minimum keep the legacy swapped order.
	FeatureModernSAOrder Feature = "modernSAOrder"
	// FeatureSyncHash marks agents that report a configuration hash in their
	// periodic status messages.
	FeatureSyncHash Feature = "syncHash"
)

// featureGates is the compatibility table: minimum agent version per feature.
var featureGates = map[Feature]struct{ major, minor int }{
	FeatureNoEncryption:  {4, 0},
	FeaturePeerTunnels:   {5, 0},
	FeaturePFS:           {6, 0},
	FeatureRemoteASN:     {5, 3},
	FeatureDynamicPort:   {4, 3},
	FeatureModernSAOrder: {4, 0},
	FeatureSyncHash:      {2, 0},
}

// ParseVersion parses a device software version string. Release suffixes
// ("5.3.25-rc1") are tolerated.
func ParseVersion(s string) (*semver.Version, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return v, nil
}

// MajorVersion returns the major component of a version string, or 0 if the
// string is unparsable.
func MajorVersion(s string) int {
	v, err := ParseVersion(s)
	if err != nil {
		return 0
	}
	return int(v.Major())
}

// MinorVersion returns the minor component of a version string, or 0 if the
// string is unparsable.
func MinorVersion(s string) int {
	v, err := ParseVersion(s)
	if err != nil {
		return 0
	}
	return int(v.Minor())
}

// SupportsFeature reports whether an agent version meets the feature's
// minimum. Unparsable versions support nothing.
func SupportsFeature(version string, f Feature) bool {
	gate, ok := featureGates[f]
	if !ok {
		return false
	}
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}
	if int(v.Major()) != gate.major {
		return int(v.Major()) > gate.major
	}
	return int(v.Minor()) >= gate.minor
}

// BothSupportFeature reports whether two agent versions both meet the
// feature's minimum. Used for parameters an older peer cannot parse.
func BothSupportFeature(verA, verB string, f Feature) bool {
	return SupportsFeature(verA, f) && SupportsFeature(verB, f)
}

// RouterVersionsCompatible reports whether two router software versions can
// form a tunnel: same major version.
func RouterVersionsCompatible(verA, verB string) bool {
	a, err := ParseVersion(verA)
	if err != nil {
		return false
	}
	b, err := ParseVersion(verB)
	if err != nil {
		return false
	}
	return a.Major() == b.Major()
}
