package notify

import "testing"

func TestSuppressedBy(t *testing.T) {
	tests := []struct {
		name       string
		kind       EventKind
		unresolved []EventKind
		want       bool
	}{
		{"drop under disconnect", EventTunnelDrop, []EventKind{EventDeviceDisconnected}, true},
		{"drop under interface down", EventTunnelDrop, []EventKind{EventInterfaceDown}, true},
		{"drop under ip lost", EventTunnelDrop, []EventKind{EventInterfaceIPLost}, true},
		{"drop with nothing unresolved", EventTunnelDrop, nil, false},
		{"latency under disconnect", EventTunnelLatency, []EventKind{EventDeviceDisconnected}, true},
		{"latency not implied by ip lost", EventTunnelLatency, []EventKind{EventInterfaceIPLost}, false},
		{"pending under ip lost", EventTunnelPending, []EventKind{EventInterfaceIPLost}, true},
		{"pending not implied by disconnect", EventTunnelPending, []EventKind{EventDeviceDisconnected}, false},
		{"interface down under disconnect", EventInterfaceDown, []EventKind{EventDeviceDisconnected}, true},
		{"ip lost under interface down", EventInterfaceIPLost, []EventKind{EventInterfaceDown}, true},
		{"drift under disconnect", EventTunnelConfigDrifted, []EventKind{EventDeviceDisconnected}, true},
		{"autosync off under disconnect", EventDeviceAutoSyncOff, []EventKind{EventDeviceDisconnected}, true},
		{"disconnect has no parents", EventDeviceDisconnected, []EventKind{EventInterfaceDown, EventInterfaceIPLost}, false},
		{"created has no parents", EventTunnelCreated, []EventKind{EventDeviceDisconnected}, false},
		{"unrelated unresolved kind", EventTunnelDrop, []EventKind{EventTunnelLatency}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unresolved := func(k EventKind) bool {
				for _, u := range tt.unresolved {
					if u == k {
						return true
					}
				}
				return false
			}
			if got := SuppressedBy(tt.kind, unresolved); got != tt.want {
				t.Errorf("SuppressedBy(%s, %v) = %v, want %v", tt.kind, tt.unresolved, got, tt.want)
			}
		})
	}
}
