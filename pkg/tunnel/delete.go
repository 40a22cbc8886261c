package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wancore-net/wancore/pkg/audit"
	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/notify"
	"github.com/wancore-net/wancore/pkg/util"
)

// DeleteRequest is one tunnel deletion batch submission.
type DeleteRequest struct {
	Org      string
	Username string
	Nums     []int
	// OrgRange overrides the configured default tunnel address range.
	OrgRange string
	// Force removes tunnels even when user static routes are routed through
	// their loopbacks. Without it such tunnels are skipped with an in-use
	// reason.
	Force bool
}

// DeleteTunnels tears down the listed tunnels. Per-tunnel failures are
// collected as reasons and never abort the rest of the batch. Batches above
// the background threshold run detached, like creation.
func (s *Service) DeleteTunnels(ctx context.Context, req *DeleteRequest) (res *model.BatchResult, err error) {
	started := time.Now()
	defer func() { auditOp(req.Username, req.Org, audit.OpDeleteTunnels, started, res, err) }()

	disp := NewDispatcher(s.queue, s.folder, req.Org, req.Username)
	reasons := NewReasons()

	if len(req.Nums) > s.cfg.threshold() {
		progressID := uuid.NewString()
		if err := s.store.CreateProgress(ctx, progressID, len(req.Nums)); err != nil {
			return nil, err
		}
		go func() {
			bg := context.Background()
			removed := s.runDeleteBatch(bg, req, disp, reasons, progressID)
			if err := s.store.FinishProgress(bg, progressID, reasons.Message()); err != nil {
				util.WithOrg(req.Org).Warnf("finishing progress %s: %v", progressID, err)
			}
			util.WithOrg(req.Org).Infof("background tunnel deletion %s done: %d of %d removed",
				progressID, removed, len(req.Nums))
		}()
		return &model.BatchResult{
			Status:  model.StatusUnknown,
			Message: fmt.Sprintf("operation continues in background, progress id %s", progressID),
		}, nil
	}

	removed := s.runDeleteBatch(ctx, req, disp, reasons, "")
	ids, err := disp.Flush(ctx, reasons)
	if err != nil {
		return nil, err
	}
	return batchResult(ids, removed, len(req.Nums), reasons), nil
}

func (s *Service) runDeleteBatch(ctx context.Context, req *DeleteRequest, disp *Dispatcher, reasons *Reasons, progressID string) int {
	removed := 0
	for i, num := range req.Nums {
		if i > 0 && i%yieldEvery == 0 && ctx.Err() != nil {
			break
		}
		ok := s.deleteOne(ctx, req, num, disp, reasons)
		if ok {
			removed++
		}
		if progressID != "" {
			done, failed := 0, 1
			if ok {
				done, failed = 1, 0
			}
			if err := s.store.StepProgress(ctx, progressID, done, failed); err != nil {
				util.WithOrg(req.Org).Warnf("stepping progress %s: %v", progressID, err)
			}
		}
	}
	if progressID != "" {
		if _, err := disp.Flush(ctx, reasons); err != nil {
			util.WithOrg(req.Org).Errorf("flushing deletion jobs: %v", err)
		}
	}
	return removed
}

// deleteOne tears down one tunnel: referential-integrity guard, dependent
// route removal, BGP neighbor cleanup, remove-tunnel task, record
// deactivation.
func (s *Service) deleteOne(ctx context.Context, req *DeleteRequest, num int, disp *Dispatcher, reasons *Reasons) bool {
	org := req.Org
	t, err := s.store.GetTunnel(ctx, org, num)
	if err != nil {
		reasons.AddOrg(err.Error())
		return false
	}
	if !t.IsActive {
		reasons.AddOrg(fmt.Sprintf("tunnel %d is not active", num))
		return false
	}

	// Pending tunnels were never realized on any device: deactivating the
	// record is the whole teardown.
	if t.IsPending {
		if err := s.store.DeactivateTunnel(ctx, org, num); err != nil {
			reasons.AddOrg(err.Error())
			return false
		}
		s.metrics.TunnelDeleted(org)
		return true
	}

	params, err := DeriveParams(t.Num, s.orgRange(req.OrgRange))
	if err != nil {
		reasons.AddOrg(err.Error())
		return false
	}
	loopbacks := []string{params.IP1, params.IP2}

	refs, err := s.routes.RoutesReferencing(ctx, org, loopbacks)
	if err != nil {
		reasons.AddOrg(err.Error())
		return false
	}
	// Routes routed via a loopback belong to the user; deleting the tunnel
	// under them would black-hole traffic. Conditioned routes follow the
	// tunnel lifecycle and are removed alongside it.
	var blocking []string
	dependents := make(map[string][]model.Task)
	for _, ref := range refs {
		if ref.Route.Gateway == params.IP1 || ref.Route.Gateway == params.IP2 {
			blocking = append(blocking, fmt.Sprintf("route to %s on device %s",
				ref.Route.Destination, ref.Device.Hostname))
			continue
		}
		dependents[ref.Device.ID] = append(dependents[ref.Device.ID],
			model.NewAgentTask(model.MsgRemoveRoute, RouteParams{
				Addr: ref.Route.Destination, Via: ref.Route.Gateway, IfName: ref.Route.IfName,
			}))
	}
	if len(blocking) > 0 && !req.Force {
		err := util.NewInUseError(fmt.Sprintf("tunnel %d", num), blocking...)
		reasons.AddDevice(err.Error(), t.DeviceA)
		return false
	}

	devA, err := s.devices.GetDevice(ctx, org, t.DeviceA)
	if err != nil {
		reasons.AddOrg(err.Error())
		return false
	}
	var devB *model.Device
	if t.DeviceB != "" {
		if devB, err = s.devices.GetDevice(ctx, org, t.DeviceB); err != nil {
			reasons.AddOrg(err.Error())
			return false
		}
	}

	title := fmt.Sprintf("Delete tunnel %d", num)
	s.appendDeleteTasks(disp, devA, devB, t, params, dependents, title)

	if err := s.store.DeactivateTunnel(ctx, org, num); err != nil {
		reasons.AddOrg(err.Error())
		return false
	}

	s.metrics.TunnelDeleted(org)
	s.notifier.Notify(ctx, notify.Event{
		Kind: notify.EventTunnelDeleted, Org: org, Resolved: true,
		Targets:  notify.Targets{DeviceID: t.DeviceA, TunnelNum: num},
		Severity: notify.SeverityInfo,
		Title:    "tunnel deleted",
		Details:  fmt.Sprintf("tunnel %d removed", num),
	})
	return true
}

// appendDeleteTasks queues teardown tasks per endpoint in dependency order:
// dependent routes first, then the BGP neighbor, then the tunnel itself.
// Neighbors must be cleaned up before the underlying tunnel disappears.
func (s *Service) appendDeleteTasks(disp *Dispatcher, devA, devB *model.Device, t *model.Tunnel, params *Params, dependents map[string][]model.Task, title string) {
	tasksA := append([]model.Task{}, dependents[devA.ID]...)
	if t.Advanced.Routing == model.RoutingBGP && devB != nil {
		tasksA = append(tasksA, bgpNeighborTask("remove", params.IP2, devB))
	}
	tasksA = append(tasksA, model.NewAgentTask(model.MsgRemoveTunnel, RemoveTunnelParams{Num: t.Num}))
	disp.Append(devA, title, tasksA)

	if devB == nil {
		return
	}
	tasksB := append([]model.Task{}, dependents[devB.ID]...)
	if t.Advanced.Routing == model.RoutingBGP {
		tasksB = append(tasksB, bgpNeighborTask("remove", params.IP1, devA))
	}
	tasksB = append(tasksB, model.NewAgentTask(model.MsgRemoveTunnel, RemoveTunnelParams{Num: t.Num}))
	disp.Append(devB, title, tasksB)
}

// RetryPending re-attempts every pending tunnel of an organization. Called by
// the periodic reconciliation sweep and by explicit resync. Tunnels whose
// prerequisite resolved are realized and dispatched; the rest stay pending
// with a refreshed reason.
func (s *Service) RetryPending(ctx context.Context, org, username string) (res *model.BatchResult, err error) {
	started := time.Now()
	defer func() { auditOp(username, org, audit.OpRetryPending, started, res, err) }()

	all, err := s.store.ListTunnels(ctx, org)
	if err != nil {
		return nil, err
	}
	b := s.builder(s.orgRange(""))
	disp := NewDispatcher(s.queue, s.folder, org, username)
	reasons := NewReasons()
	attempted, realized := 0, 0

	for _, t := range all {
		if !t.IsActive || !t.IsPending {
			continue
		}
		attempted++
		if s.retryOne(ctx, b, t, disp, reasons) {
			realized++
		}
	}
	if attempted == 0 {
		return &model.BatchResult{Status: model.StatusCompleted}, nil
	}

	ids, err := disp.Flush(ctx, reasons)
	if err != nil {
		return nil, err
	}
	return batchResult(ids, realized, attempted, reasons), nil
}

// retryOne re-resolves one pending tunnel's endpoints and rebuilds it.
func (s *Service) retryOne(ctx context.Context, b *Builder, t *model.Tunnel, disp *Dispatcher, reasons *Reasons) bool {
	in, err := s.resolveIntent(ctx, t)
	if err != nil {
		reasons.AddOrg(fmt.Sprintf("tunnel %d: %s", t.Num, err.Error()))
		return false
	}

	var built *BuiltParams
	if in.Peer != nil {
		built, err = b.BuildPeer(t, Endpoint{Device: in.DeviceA, Ifc: in.IfcA}, in.Peer)
	} else {
		built, err = b.Build(t, Endpoint{Device: in.DeviceA, Ifc: in.IfcA}, Endpoint{Device: in.DeviceB, Ifc: in.IfcB})
	}
	if err != nil {
		var perr *util.PendingError
		if errors.As(err, &perr) {
			t.PendingType = perr.Type
			t.PendingReason = perr.Reason
			if serr := s.store.SaveTunnel(ctx, t); serr != nil {
				reasons.AddOrg(serr.Error())
			}
			return false
		}
		reasons.AddDevice(err.Error(), t.DeviceA)
		return false
	}

	t.IsPending = false
	t.PendingType = ""
	t.PendingReason = ""
	if err := s.store.SaveTunnel(ctx, t); err != nil {
		reasons.AddOrg(err.Error())
		return false
	}

	s.appendCreateTasks(ctx, t, in, built, disp)
	s.notifier.Notify(ctx, notify.Event{
		Kind: notify.EventTunnelPending, Org: t.Org, Resolved: true,
		Targets:  notify.Targets{DeviceID: t.DeviceA, TunnelNum: t.Num},
		Severity: notify.SeverityInfo,
		Title:    "tunnel pending resolved",
		Details:  fmt.Sprintf("tunnel %d realized", t.Num),
	})
	return true
}

// resolveIntent rebuilds a planner intent from a persisted tunnel record via
// the device and peer directories.
func (s *Service) resolveIntent(ctx context.Context, t *model.Tunnel) (*Intent, error) {
	devA, err := s.devices.GetDevice(ctx, t.Org, t.DeviceA)
	if err != nil {
		return nil, err
	}
	ifcA := devA.Interface(t.InterfaceA)
	if ifcA == nil {
		return nil, fmt.Errorf("interface %s gone from device %s", t.InterfaceA, devA.Hostname)
	}
	in := &Intent{DeviceA: devA, IfcA: ifcA, PathLabel: t.PathLabel}

	if t.IsPeerTunnel() {
		peer, err := s.peers.GetPeer(ctx, t.Org, t.Peer)
		if err != nil {
			return nil, err
		}
		in.Peer = peer
		return in, nil
	}

	devB, err := s.devices.GetDevice(ctx, t.Org, t.DeviceB)
	if err != nil {
		return nil, err
	}
	ifcB := devB.Interface(t.InterfaceB)
	if ifcB == nil {
		return nil, fmt.Errorf("interface %s gone from device %s", t.InterfaceB, devB.Hostname)
	}
	in.DeviceB = devB
	in.IfcB = ifcB
	return in, nil
}

// ModifyTunnels applies new advanced options to the listed tunnels and sends
// modify-tunnel tasks rebuilding each endpoint's parameters. PSK keys are
// reused, never regenerated, so modification does not re-key.
func (s *Service) ModifyTunnels(ctx context.Context, org, username string, nums []int, advanced model.AdvancedOptions) (res *model.BatchResult, err error) {
	started := time.Now()
	defer func() { auditOp(username, org, audit.OpModifyTunnels, started, res, err) }()

	if err := (&util.ValidationBuilder{}).
		Add(advanced.MTU == 0 || (advanced.MTU >= MinMTU && advanced.MTU <= MaxMTU),
			fmt.Sprintf("MTU must be within [%d, %d]", MinMTU, MaxMTU)).
		Build(); err != nil {
		return nil, err
	}

	b := s.builder(s.orgRange(""))
	disp := NewDispatcher(s.queue, s.folder, org, username)
	reasons := NewReasons()
	modified := 0

	for _, num := range nums {
		t, err := s.store.GetTunnel(ctx, org, num)
		if err != nil {
			reasons.AddOrg(err.Error())
			continue
		}
		if !t.IsActive || t.IsPending {
			reasons.AddOrg(fmt.Sprintf("tunnel %d cannot be modified in its current state", num))
			continue
		}
		in, err := s.resolveIntent(ctx, t)
		if err != nil {
			reasons.AddOrg(fmt.Sprintf("tunnel %d: %s", num, err.Error()))
			continue
		}

		t.Advanced = advanced
		var built *BuiltParams
		if in.Peer != nil {
			built, err = b.BuildPeer(t, Endpoint{Device: in.DeviceA, Ifc: in.IfcA}, in.Peer)
		} else {
			built, err = b.Build(t, Endpoint{Device: in.DeviceA, Ifc: in.IfcA}, Endpoint{Device: in.DeviceB, Ifc: in.IfcB})
		}
		if err != nil {
			reasons.AddDevice(err.Error(), t.DeviceA)
			continue
		}
		if err := s.store.SaveTunnel(ctx, t); err != nil {
			reasons.AddOrg(err.Error())
			continue
		}

		title := fmt.Sprintf("Modify tunnel %d", num)
		disp.Append(in.DeviceA, title,
			[]model.Task{model.NewAgentTask(model.MsgModifyTunnel, built.ParamsA)},
			model.Completion{Org: org, Num: num, Target: model.TargetDeviceA})
		if in.DeviceB != nil {
			disp.Append(in.DeviceB, title,
				[]model.Task{model.NewAgentTask(model.MsgModifyTunnel, built.ParamsB)},
				model.Completion{Org: org, Num: num, Target: model.TargetDeviceB})
		}
		modified++
	}

	ids, err := disp.Flush(ctx, reasons)
	if err != nil {
		return nil, err
	}
	return batchResult(ids, modified, len(nums), reasons), nil
}
