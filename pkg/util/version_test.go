package util

import (
	"testing"
)

func TestSupportsFeature(t *testing.T) {
	tests := []struct {
		name     string
		version  string
		feature  Feature
		expected bool
	}{
		{"noEncryption at minimum", "4.0.0", FeatureNoEncryption, true},
		{"noEncryption below minimum", "3.9.2", FeatureNoEncryption, false},
		{"noEncryption above major", "5.0.0", FeatureNoEncryption, true},
		{"peerTunnels at minimum", "5.0.1", FeaturePeerTunnels, true},
		{"peerTunnels below minimum", "4.9.0", FeaturePeerTunnels, false},
		{"pfs at minimum", "6.0.0", FeaturePFS, true},
		{"pfs below minimum", "5.9.9", FeaturePFS, false},
		{"remoteASN same major lower minor", "5.2.0", FeatureRemoteASN, false},
		{"remoteASN same major at minor", "5.3.0", FeatureRemoteASN, true},
		{"remoteASN higher major lower minor", "6.0.0", FeatureRemoteASN, true},
		{"dynamicPort at minimum", "4.3.0", FeatureDynamicPort, true},
		{"dynamicPort below minimum", "4.2.9", FeatureDynamicPort, false},
		{"syncHash old agent", "1.9.0", FeatureSyncHash, false},
		{"syncHash new agent", "2.0.0", FeatureSyncHash, true},
		{"release suffix tolerated", "5.3.25-rc1", FeatureRemoteASN, true},
		{"unparsable version", "not-a-version", FeatureSyncHash, false},
		{"empty version", "", FeatureSyncHash, false},
		{"unknown feature", "9.0.0", Feature("bogus"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SupportsFeature(tt.version, tt.feature); got != tt.expected {
				t.Errorf("SupportsFeature(%q, %q) = %v, want %v",
					tt.version, tt.feature, got, tt.expected)
			}
		})
	}
}

func TestBothSupportFeature(t *testing.T) {
	if !BothSupportFeature("6.0.0", "6.1.0", FeaturePFS) {
		t.Error("both at 6.x should support PFS")
	}
	if BothSupportFeature("6.0.0", "5.9.0", FeaturePFS) {
		t.Error("one endpoint below 6.0 should not enable PFS")
	}
	if BothSupportFeature("5.9.0", "6.0.0", FeaturePFS) {
		t.Error("order should not matter")
	}
}

func TestRouterVersionsCompatible(t *testing.T) {
	tests := []struct {
		name     string
		verA     string
		verB     string
		expected bool
	}{
		{"same major", "5.1.0", "5.9.3", true},
		{"different major", "5.1.0", "6.0.0", false},
		{"identical", "4.2.1", "4.2.1", true},
		{"unparsable left", "bogus", "5.0.0", false},
		{"unparsable right", "5.0.0", "bogus", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RouterVersionsCompatible(tt.verA, tt.verB); got != tt.expected {
				t.Errorf("RouterVersionsCompatible(%q, %q) = %v, want %v",
					tt.verA, tt.verB, got, tt.expected)
			}
		})
	}
}

func TestMajorMinorVersion(t *testing.T) {
	if got := MajorVersion("5.3.25"); got != 5 {
		t.Errorf("MajorVersion = %d, want 5", got)
	}
	if got := MinorVersion("5.3.25"); got != 3 {
		t.Errorf("MinorVersion = %d, want 3", got)
	}
	if got := MajorVersion("garbage"); got != 0 {
		t.Errorf("MajorVersion of unparsable = %d, want 0", got)
	}
	if got := MinorVersion(""); got != 0 {
		t.Errorf("MinorVersion of empty = %d, want 0", got)
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("6.3.17")
	if err != nil {
		t.Fatalf("ParseVersion failed: %v", err)
	}
	if v.Major() != 6 || v.Minor() != 3 || v.Patch() != 17 {
		t.Errorf("ParseVersion = %v", v)
	}

	if _, err := ParseVersion("x.y.z"); err == nil {
		t.Error("expected error for invalid version")
	}
}
