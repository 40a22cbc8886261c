// Package notify delivers structured operational events raised by the tunnel
// control plane. Delivery is fire-and-forget: a lost notification never fails
// the operation that raised it.
package notify

// EventKind identifies one notification type.
type EventKind string

const (
	EventTunnelCreated       EventKind = "tunnelCreated"
	EventTunnelDeleted       EventKind = "tunnelDeleted"
	EventTunnelPending       EventKind = "tunnelPending"
	EventTunnelDrop          EventKind = "tunnelDrop"
	EventTunnelLatency       EventKind = "tunnelLatency"
	EventInterfaceDown       EventKind = "interfaceDown"
	EventInterfaceIPLost     EventKind = "interfaceIPLost"
	EventDeviceDisconnected  EventKind = "deviceDisconnected"
	EventDeviceSyncFailed    EventKind = "deviceSyncFailed"
	EventDeviceAutoSyncOff   EventKind = "deviceAutoSyncOff"
	EventTunnelNumExhausted  EventKind = "tunnelNumExhausted"
	EventTunnelConfigDrifted EventKind = "tunnelConfigDrifted"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// parents is the static suppression hierarchy: an event is implied by any of
// its listed parent kinds, so it is suppressed while a parent is unresolved
// against the same targets. A tunnel drop alert is noise while the device
// itself is disconnected.
var parents = map[EventKind][]EventKind{
	EventTunnelDrop:          {EventDeviceDisconnected, EventInterfaceDown, EventInterfaceIPLost},
	EventTunnelLatency:       {EventDeviceDisconnected, EventInterfaceDown},
	EventTunnelPending:       {EventInterfaceIPLost},
	EventInterfaceDown:       {EventDeviceDisconnected},
	EventInterfaceIPLost:     {EventDeviceDisconnected, EventInterfaceDown},
	EventTunnelConfigDrifted: {EventDeviceDisconnected},
	EventDeviceAutoSyncOff:   {EventDeviceDisconnected},
}

// SuppressedBy reports whether kind is implied by an unresolved parent kind.
// Pure table lookup; the caller supplies which kinds are currently unresolved.
func SuppressedBy(kind EventKind, unresolved func(EventKind) bool) bool {
	for _, p := range parents[kind] {
		if unresolved(p) {
			return true
		}
	}
	return false
}

// Targets scopes an event to the affected resources. Zero values mean "not
// applicable".
type Targets struct {
	DeviceID    string `json:"deviceId,omitempty"`
	TunnelNum   int    `json:"tunnelId,omitempty"`
	InterfaceID string `json:"interfaceId,omitempty"`
}

// Event is one structured notification.
type Event struct {
	Kind     EventKind `json:"eventType"`
	Org      string    `json:"org"`
	Targets  Targets   `json:"targets"`
	Resolved bool      `json:"resolved"`
	Severity Severity  `json:"severity"`
	Title    string    `json:"title"`
	Details  string    `json:"details"`
}
