package tunnel

import (
	"sort"
	"strings"
	"sync"
)

// Reasons accumulates skip and failure reasons during a planning batch:
// an org-wide deduplicated set for the user-facing result message, plus a
// per-device set attached to that device's provisioning job so the UI can
// show why its tunnels were not created.
//
// Safe for concurrent use; tunnel builds in a batch run concurrently.
type Reasons struct {
	mu     sync.Mutex
	org    map[string]struct{}
	device map[string]map[string]struct{}
}

// NewReasons creates an empty reason accumulator.
func NewReasons() *Reasons {
	return &Reasons{
		org:    make(map[string]struct{}),
		device: make(map[string]map[string]struct{}),
	}
}

// AddOrg records an org-wide reason.
func (r *Reasons) AddOrg(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.org[reason] = struct{}{}
}

// AddDevice records a reason against one or more devices, and org-wide.
func (r *Reasons) AddDevice(reason string, deviceIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.org[reason] = struct{}{}
	for _, id := range deviceIDs {
		if r.device[id] == nil {
			r.device[id] = make(map[string]struct{})
		}
		r.device[id][reason] = struct{}{}
	}
}

// OrgReasons returns the deduplicated org-wide reasons, sorted for stable
// messages.
func (r *Reasons) OrgReasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.org))
	for reason := range r.org {
		out = append(out, reason)
	}
	sort.Strings(out)
	return out
}

// DeviceReasons returns the reasons recorded against one device.
func (r *Reasons) DeviceReasons(deviceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.device[deviceID]))
	for reason := range r.device[deviceID] {
		out = append(out, reason)
	}
	sort.Strings(out)
	return out
}

// Empty reports whether no reasons were recorded.
func (r *Reasons) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.org) == 0
}

// Message concatenates the org-wide reason set for the user-facing result.
func (r *Reasons) Message() string {
	return strings.Join(r.OrgReasons(), "; ")
}
