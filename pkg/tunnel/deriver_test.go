package tunnel

import (
	"reflect"
	"testing"
)

func TestDeriveParams(t *testing.T) {
	tests := []struct {
		name     string
		num      int
		orgRange string
		expected *Params
	}{
		{
			name: "first tunnel", num: 0, orgRange: "10.100.0.0/16",
			expected: &Params{
				IP1: "10.100.0.0", IP2: "10.100.0.1",
				MAC1: "02:00:27:00:00:00", MAC2: "02:00:27:00:00:01",
				SA1: 0, SA2: 1,
			},
		},
		{
			name: "offset doubles per tunnel", num: 3, orgRange: "10.100.0.0/16",
			expected: &Params{
				IP1: "10.100.0.6", IP2: "10.100.0.7",
				MAC1: "02:00:27:00:00:06", MAC2: "02:00:27:00:00:07",
				SA1: 6, SA2: 7,
			},
		},
		{
			name: "crosses octet boundary", num: 128, orgRange: "10.100.0.0/16",
			expected: &Params{
				IP1: "10.100.1.0", IP2: "10.100.1.1",
				MAC1: "02:00:27:00:01:00", MAC2: "02:00:27:00:01:01",
				SA1: 256, SA2: 257,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveParams(tt.num, tt.orgRange)
			if err != nil {
				t.Fatalf("DeriveParams failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("DeriveParams(%d) = %+v, want %+v", tt.num, got, tt.expected)
			}
		})
	}
}

func TestDeriveParams_Deterministic(t *testing.T) {
	a, err := DeriveParams(42, "10.100.0.0/16")
	if err != nil {
		t.Fatalf("DeriveParams failed: %v", err)
	}
	b, err := DeriveParams(42, "10.100.0.0/16")
	if err != nil {
		t.Fatalf("DeriveParams failed: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("equal inputs produced different outputs: %+v vs %+v", a, b)
	}
}

func TestDeriveParams_Errors(t *testing.T) {
	if _, err := DeriveParams(-1, "10.100.0.0/16"); err == nil {
		t.Error("negative number should fail")
	}
	if _, err := DeriveParams(MaxTunnelsPerOrg, "10.100.0.0/16"); err == nil {
		t.Error("number at the namespace bound should fail")
	}
	if _, err := DeriveParams(0, "not-a-cidr"); err == nil {
		t.Error("invalid range should fail")
	}
	// A /30 holds two address pairs: numbers 0 and 1 fit, 2 does not.
	if _, err := DeriveParams(1, "10.0.0.0/30"); err != nil {
		t.Errorf("number 1 should fit a /30: %v", err)
	}
	if _, err := DeriveParams(2, "10.0.0.0/30"); err == nil {
		t.Error("number 2 should not fit a /30")
	}
}

func TestClampMTU(t *testing.T) {
	tests := []struct {
		in       int
		expected int
	}{
		{1500, 1500},
		{2000, MaxMTU},
		{100, MinMTU},
		{500, 500},
	}

	for _, tt := range tests {
		if got := clampMTU(tt.in); got != tt.expected {
			t.Errorf("clampMTU(%d) = %d, want %d", tt.in, got, tt.expected)
		}
	}
}
