package tunnel

import (
	"fmt"

	"github.com/wancore-net/wancore/pkg/model"
)

// WANInterface is a tunnel-eligible interface annotated with its usable
// path-label id set.
type WANInterface struct {
	Ifc    *model.Interface
	Labels map[string]struct{}
}

// HasLabel reports whether the interface carries the given label id.
func (w *WANInterface) HasLabel(id string) bool {
	_, ok := w.Labels[id]
	return ok
}

// EligibleWANInterfaces builds the ordered list of tunnel-eligible interfaces
// of a device: assigned WAN interfaces, each with its path-label id set.
// DIA-typed labels are never usable for tunnels and are excluded from the
// label sets.
func EligibleWANInterfaces(d *model.Device) []WANInterface {
	var out []WANInterface
	for i := range d.Interfaces {
		ifc := &d.Interfaces[i]
		if !ifc.IsAssigned || ifc.Type != model.InterfaceWAN {
			continue
		}
		labels := make(map[string]struct{})
		for _, pl := range ifc.PathLabels {
			if pl.Type == model.PathLabelTypeDIA {
				continue
			}
			labels[pl.ID] = struct{}{}
		}
		out = append(out, WANInterface{Ifc: ifc, Labels: labels})
	}
	return out
}

// noWANReason is the skip reason for a device with zero eligible interfaces.
// Recorded explicitly rather than letting the device silently yield nothing.
func noWANReason(d *model.Device) string {
	return fmt.Sprintf("no valid WAN interfaces on device %s", d.Hostname)
}

// labelIntersection returns the label ids present in both sets.
func labelIntersection(a, b map[string]struct{}) []string {
	var out []string
	for id := range a {
		if _, ok := b[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
