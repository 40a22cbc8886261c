package store

import (
	"context"

	"github.com/wancore-net/wancore/pkg/model"
)

// RoutesReferencing scans the organization's devices for static routes whose
// gateway or conditions mention any of the given addresses. Tunnel creation
// uses it to generate dependent route tasks; deletion uses it to block
// removal of tunnels that user routes still traverse.
func (c *Client) RoutesReferencing(ctx context.Context, org string, addrs []string) ([]model.RouteRef, error) {
	devices, err := c.ListDevices(ctx, org)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if a != "" {
			want[a] = true
		}
	}

	var refs []model.RouteRef
	for _, d := range devices {
		for _, r := range d.StaticRoutes {
			if routeReferences(r, want) {
				refs = append(refs, model.RouteRef{Device: d, Route: r})
			}
		}
	}
	return refs, nil
}

func routeReferences(r model.StaticRoute, want map[string]bool) bool {
	if want[r.Gateway] {
		return true
	}
	for _, cond := range r.Conditions {
		if want[cond] {
			return true
		}
	}
	return false
}
