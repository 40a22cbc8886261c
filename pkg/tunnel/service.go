package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wancore-net/wancore/pkg/audit"
	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/notify"
	"github.com/wancore-net/wancore/pkg/queue"
	"github.com/wancore-net/wancore/pkg/util"
)

// Store is the persistence contract the tunnel service depends on.
type Store interface {
	AllocateNum(ctx context.Context, org string, max int) (int, error)
	ReleaseNum(ctx context.Context, org string, num int) error
	SaveTunnel(ctx context.Context, t *model.Tunnel) error
	GetTunnel(ctx context.Context, org string, num int) (*model.Tunnel, error)
	ListTunnels(ctx context.Context, org string) ([]*model.Tunnel, error)
	ClaimPairKey(ctx context.Context, org, key string) (bool, error)
	ReleasePairKey(ctx context.Context, org, key string) error
	DeactivateTunnel(ctx context.Context, org string, num int) error

	CreateProgress(ctx context.Context, id string, total int) error
	StepProgress(ctx context.Context, id string, completed, failed int) error
	FinishProgress(ctx context.Context, id, message string) error
}

// DeviceDirectory resolves device documents by id.
type DeviceDirectory interface {
	GetDevice(ctx context.Context, org, id string) (*model.Device, error)
}

// PeerDirectory resolves peer profiles by id.
type PeerDirectory interface {
	GetPeer(ctx context.Context, org, id string) (*model.Peer, error)
}

// RouteQuerier finds static routes whose gateway or conditions reference the
// given addresses. Used for dependent task generation and deletion-blocking.
type RouteQuerier interface {
	RoutesReferencing(ctx context.Context, org string, addrs []string) ([]model.RouteRef, error)
}

// Recorder receives operational counters. Implemented by the metrics package;
// NopRecorder disables recording.
type Recorder interface {
	TunnelsPlanned(org string, n int)
	TunnelCreated(org string)
	TunnelSkipped(org string)
	TunnelPending(org string)
	TunnelDeleted(org string)
	AllocationFailed(org string)
}

// NopRecorder discards all counters.
type NopRecorder struct{}

func (NopRecorder) TunnelsPlanned(string, int) {}
func (NopRecorder) TunnelCreated(string)       {}
func (NopRecorder) TunnelSkipped(string)       {}
func (NopRecorder) TunnelPending(string)       {}
func (NopRecorder) TunnelDeleted(string)       {}
func (NopRecorder) AllocationFailed(string)    {}

// Config tunes batch execution.
type Config struct {
	// OrgRange is the default per-org tunnel address range (CIDR).
	OrgRange string
	// DefaultMTU applies when a batch does not request one. 0 means 1500.
	DefaultMTU int
	// BuildConcurrency bounds concurrent tunnel builds per batch. 0 means 16.
	BuildConcurrency int
	// BackgroundThreshold is the intent count above which a batch runs in the
	// background. 0 means 1000.
	BackgroundThreshold int
}

const (
	defaultBuildConcurrency    = 16
	defaultBackgroundThreshold = 1000
)

func (c Config) concurrency() int {
	if c.BuildConcurrency > 0 {
		return c.BuildConcurrency
	}
	return defaultBuildConcurrency
}

func (c Config) threshold() int {
	if c.BackgroundThreshold > 0 {
		return c.BackgroundThreshold
	}
	return defaultBackgroundThreshold
}

// Service orchestrates tunnel batch operations: planning, allocation,
// parameter building, job dispatch and deletion.
type Service struct {
	store    Store
	queue    queue.Queue
	devices  DeviceDirectory
	peers    PeerDirectory
	routes   RouteQuerier
	planner  *Planner
	folder   HashFolder
	notifier notify.Notifier
	metrics  Recorder
	cfg      Config
}

// NewService wires a tunnel service. folder may be nil (no sync-hash
// tracking); notifier and metrics fall back to no-ops when nil.
func NewService(st Store, q queue.Queue, devices DeviceDirectory, peers PeerDirectory,
	routes RouteQuerier, planner *Planner, folder HashFolder,
	notifier notify.Notifier, metrics Recorder, cfg Config) *Service {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if metrics == nil {
		metrics = NopRecorder{}
	}
	return &Service{
		store: st, queue: q, devices: devices, peers: peers, routes: routes,
		planner: planner, folder: folder, notifier: notifier, metrics: metrics,
		cfg: cfg,
	}
}

// CreateRequest is one tunnel creation batch submission.
type CreateRequest struct {
	PlanRequest
	Username string
	// OrgRange overrides the configured default tunnel address range.
	OrgRange string
}

func (s *Service) orgRange(override string) string {
	if override != "" {
		return override
	}
	return s.cfg.OrgRange
}

func (s *Service) builder(orgRange string) *Builder {
	return &Builder{OrgRange: orgRange, DefaultMTU: s.cfg.DefaultMTU}
}

// auditOp records one service operation in the audit trail. Logging failures
// are reported but never fail the operation.
func auditOp(user, org, op string, started time.Time, res *model.BatchResult, opErr error) {
	ev := audit.NewEvent(user, org, op).WithDuration(time.Since(started))
	if opErr != nil {
		ev.WithError(opErr)
	} else if res != nil {
		ev.WithResult(string(res.Status), res.Message).WithJobs(res.IDs...)
	}
	if err := audit.Log(ev); err != nil {
		util.WithOrg(org).Warnf("writing audit event: %v", err)
	}
}

// CreateTunnels plans and executes a tunnel creation batch. Batches above the
// background threshold are not awaited: the caller gets an "unknown" status
// plus a progress id, and the work completes in the background.
func (s *Service) CreateTunnels(ctx context.Context, req *CreateRequest) (res *model.BatchResult, err error) {
	started := time.Now()
	defer func() { auditOp(req.Username, req.Org, audit.OpCreateTunnels, started, res, err) }()

	existing, err := s.store.ListTunnels(ctx, req.Org)
	if err != nil {
		return nil, err
	}
	plan, err := s.planner.Plan(ctx, &req.PlanRequest, existing)
	if err != nil {
		return nil, err
	}
	s.metrics.TunnelsPlanned(req.Org, len(plan.Intents))

	if len(plan.Intents) == 0 {
		status := model.StatusCompleted
		if !plan.Reasons.Empty() {
			status = model.StatusFailed
		}
		return &model.BatchResult{Status: status, Message: plan.Reasons.Message()}, nil
	}

	disp := NewDispatcher(s.queue, s.folder, req.Org, req.Username)

	if len(plan.Intents) > s.cfg.threshold() {
		return s.createInBackground(ctx, req, plan, disp)
	}

	created, ids, err := s.runCreateBatch(ctx, req, plan, disp, "")
	if err != nil {
		return nil, err
	}
	return batchResult(ids, created, len(plan.Intents), plan.Reasons), nil
}

// createInBackground reserves one placeholder job per touched device so job
// ids exist before the slow part starts, kicks the batch off detached from
// the request context, and returns immediately.
func (s *Service) createInBackground(ctx context.Context, req *CreateRequest, plan *PlanResult, disp *Dispatcher) (*model.BatchResult, error) {
	seen := make(map[string]bool)
	var ids []string
	for i := range plan.Intents {
		in := &plan.Intents[i]
		for _, dev := range []*model.Device{in.DeviceA, in.DeviceB} {
			if dev == nil || seen[dev.ID] {
				continue
			}
			seen[dev.ID] = true
			id, err := disp.Reserve(ctx, dev, createTitle(in))
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}

	progressID := uuid.NewString()
	if err := s.store.CreateProgress(ctx, progressID, len(plan.Intents)); err != nil {
		return nil, err
	}

	go func() {
		bg := context.Background()
		created, _, err := s.runCreateBatch(bg, req, plan, disp, progressID)
		msg := plan.Reasons.Message()
		if err != nil {
			msg = err.Error()
			util.WithOrg(req.Org).Errorf("background tunnel batch %s: %v", progressID, err)
		}
		if ferr := s.store.FinishProgress(bg, progressID, msg); ferr != nil {
			util.WithOrg(req.Org).Warnf("finishing progress %s: %v", progressID, ferr)
		}
		util.WithOrg(req.Org).Infof("background tunnel batch %s done: %d of %d created",
			progressID, created, len(plan.Intents))
	}()

	return &model.BatchResult{
		IDs:     ids,
		Status:  model.StatusUnknown,
		Message: fmt.Sprintf("operation continues in background, progress id %s", progressID),
	}, nil
}

// runCreateBatch executes every intent with bounded concurrency. Individual
// failures become skip or pending outcomes and never cancel sibling builds;
// all outcomes are collected.
func (s *Service) runCreateBatch(ctx context.Context, req *CreateRequest, plan *PlanResult, disp *Dispatcher, progressID string) (int, []string, error) {
	b := s.builder(s.orgRange(req.OrgRange))

	var created int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.concurrency())
	for i := range plan.Intents {
		in := &plan.Intents[i]
		g.Go(func() error {
			ok := s.buildOne(gctx, req, b, in, disp, plan.Reasons)
			if ok {
				atomic.AddInt64(&created, 1)
			}
			if progressID != "" {
				done, failed := 0, 1
				if ok {
					done, failed = 1, 0
				}
				if err := s.store.StepProgress(gctx, progressID, done, failed); err != nil {
					util.WithOrg(req.Org).Warnf("stepping progress %s: %v", progressID, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(created), nil, err
	}
	if err := ctx.Err(); err != nil {
		return int(created), nil, err
	}

	ids, err := disp.Flush(ctx, plan.Reasons)
	return int(created), ids, err
}

// buildOne realizes a single tunnel intent: pair-key claim, number
// allocation, key generation, parameter build, persistence and task
// dispatch. Returns true when device jobs were produced.
func (s *Service) buildOne(ctx context.Context, req *CreateRequest, b *Builder, in *Intent, disp *Dispatcher, reasons *Reasons) bool {
	org := req.Org

	// The planner deduplicates in memory; the store-level claim closes the
	// race against concurrent batches on other instances.
	claimed, err := s.store.ClaimPairKey(ctx, org, in.PairKey())
	if err != nil {
		reasons.AddDevice(err.Error(), in.DeviceA.ID)
		s.metrics.TunnelSkipped(org)
		return false
	}
	if !claimed {
		reasons.AddDevice(
			fmt.Sprintf("tunnel between %s and %s exists already", in.DeviceA.Hostname, in.otherName()),
			in.DeviceA.ID)
		s.metrics.TunnelSkipped(org)
		return false
	}

	num, err := s.store.AllocateNum(ctx, org, MaxTunnelsPerOrg)
	if err != nil {
		s.releasePair(ctx, org, in)
		reasons.AddDevice(err.Error(), in.DeviceA.ID)
		s.metrics.AllocationFailed(org)
		if errors.Is(err, util.ErrPoolExhausted) || isAllocationError(err) {
			s.notifier.Notify(ctx, notify.Event{
				Kind: notify.EventTunnelNumExhausted, Org: org,
				Severity: notify.SeverityCritical,
				Title:    "tunnel number allocation failed",
				Details:  err.Error(),
			})
		}
		return false
	}

	t := s.newTunnel(req, in, num)
	if t.EncryptionMethod == model.EncryptionPSK {
		keys, err := GenerateTunnelKeys()
		if err != nil {
			s.rollback(ctx, org, in, num)
			reasons.AddDevice(err.Error(), in.DeviceA.ID)
			s.metrics.TunnelSkipped(org)
			return false
		}
		t.Keys = keys
	}

	var built *BuiltParams
	if in.Peer != nil {
		built, err = b.BuildPeer(t, Endpoint{Device: in.DeviceA, Ifc: in.IfcA}, in.Peer)
	} else {
		built, err = b.Build(t, Endpoint{Device: in.DeviceA, Ifc: in.IfcA}, Endpoint{Device: in.DeviceB, Ifc: in.IfcB})
	}
	if err != nil {
		return s.handleBuildError(ctx, org, t, in, err, reasons)
	}

	if err := s.store.SaveTunnel(ctx, t); err != nil {
		s.rollback(ctx, org, in, num)
		reasons.AddDevice(err.Error(), in.DeviceA.ID)
		s.metrics.TunnelSkipped(org)
		return false
	}

	s.appendCreateTasks(ctx, t, in, built, disp)
	s.metrics.TunnelCreated(org)
	s.notifier.Notify(ctx, notify.Event{
		Kind: notify.EventTunnelCreated, Org: org, Resolved: true,
		Targets:  notify.Targets{DeviceID: in.DeviceA.ID, TunnelNum: t.Num},
		Severity: notify.SeverityInfo,
		Title:    "tunnel created",
		Details:  fmt.Sprintf("tunnel %d between %s and %s", t.Num, in.DeviceA.Hostname, in.otherName()),
	})
	return true
}

// handleBuildError converts a parameter build failure into the right
// outcome: pending (persisted, no jobs) for missing prerequisites, skip with
// rollback for everything else.
func (s *Service) handleBuildError(ctx context.Context, org string, t *model.Tunnel, in *Intent, err error, reasons *Reasons) bool {
	if errors.Is(err, util.ErrPending) || errors.Is(err, util.ErrAddressEmpty) {
		t.IsPending = true
		var perr *util.PendingError
		if errors.As(err, &perr) {
			t.PendingType = perr.Type
			t.PendingReason = perr.Reason
		} else {
			t.PendingReason = err.Error()
		}
		if serr := s.store.SaveTunnel(ctx, t); serr != nil {
			s.rollback(ctx, org, in, t.Num)
			reasons.AddDevice(serr.Error(), in.DeviceA.ID)
			s.metrics.TunnelSkipped(org)
			return false
		}
		reasons.AddDevice(
			fmt.Sprintf("tunnel %d is pending: %s", t.Num, t.PendingReason), in.DeviceA.ID)
		s.metrics.TunnelPending(org)
		s.notifier.Notify(ctx, notify.Event{
			Kind: notify.EventTunnelPending, Org: org,
			Targets:  notify.Targets{DeviceID: in.DeviceA.ID, TunnelNum: t.Num},
			Severity: notify.SeverityWarning,
			Title:    "tunnel pending",
			Details:  t.PendingReason,
		})
		return false
	}

	s.rollback(ctx, org, in, t.Num)
	reasons.AddDevice(err.Error(), in.DeviceA.ID)
	s.metrics.TunnelSkipped(org)
	return false
}

// appendCreateTasks queues the add-tunnel task plus its dependent-route and
// BGP-neighbor tasks for each endpoint. Order matters: routes and neighbors
// reference the tunnel and must come after it exists.
func (s *Service) appendCreateTasks(ctx context.Context, t *model.Tunnel, in *Intent, built *BuiltParams, disp *Dispatcher) {
	title := createTitle(in)

	tasksA := []model.Task{model.NewAgentTask(model.MsgAddTunnel, built.ParamsA)}
	tasksA = append(tasksA, s.dependentRouteTasks(ctx, t, in.DeviceA, model.MsgAddRoute, built)...)
	if t.Advanced.Routing == model.RoutingBGP && !t.IsPeerTunnel() {
		tasksA = append(tasksA, bgpNeighborTask("add", built.LoopbackB, in.DeviceB))
	}
	disp.Append(in.DeviceA, title, tasksA,
		model.Completion{Org: t.Org, Num: t.Num, Target: model.TargetDeviceA})

	if in.DeviceB == nil {
		return
	}
	tasksB := []model.Task{model.NewAgentTask(model.MsgAddTunnel, built.ParamsB)}
	tasksB = append(tasksB, s.dependentRouteTasks(ctx, t, in.DeviceB, model.MsgAddRoute, built)...)
	if t.Advanced.Routing == model.RoutingBGP {
		tasksB = append(tasksB, bgpNeighborTask("add", built.LoopbackA, in.DeviceA))
	}
	disp.Append(in.DeviceB, title, tasksB,
		model.Completion{Org: t.Org, Num: t.Num, Target: model.TargetDeviceB})
}

// dependentRouteTasks builds add-route or remove-route tasks for the static
// routes of one device that are conditioned on the tunnel's loopbacks.
func (s *Service) dependentRouteTasks(ctx context.Context, t *model.Tunnel, dev *model.Device, msg string, built *BuiltParams) []model.Task {
	refs, err := s.routes.RoutesReferencing(ctx, t.Org, []string{built.LoopbackA, built.LoopbackB})
	if err != nil {
		util.WithTunnel(t.Org, t.Num).Warnf("querying dependent routes: %v", err)
		return nil
	}
	var tasks []model.Task
	for _, ref := range refs {
		if ref.Device.ID != dev.ID || !routeConditionedOn(ref.Route, built) {
			continue
		}
		tasks = append(tasks, model.NewAgentTask(msg, RouteParams{
			Addr: ref.Route.Destination, Via: ref.Route.Gateway, IfName: ref.Route.IfName,
		}))
	}
	return tasks
}

// routeConditionedOn reports whether a route is conditioned on (not routed
// via) the tunnel loopbacks. Conditioned routes follow the tunnel lifecycle;
// routes whose gateway is a loopback instead block tunnel deletion.
func routeConditionedOn(r model.StaticRoute, built *BuiltParams) bool {
	for _, c := range r.Conditions {
		if c == built.LoopbackA || c == built.LoopbackB {
			return true
		}
	}
	return false
}

func bgpNeighborTask(action, neighborIP string, remote *model.Device) model.Task {
	return model.NewAgentTask(model.MsgModifyRoutingBGP, BGPNeighborParams{
		Action: action, Neighbor: neighborIP, RemoteASN: remote.BGP.LocalASN,
	})
}

// newTunnel materializes the persisted record for an intent.
func (s *Service) newTunnel(req *CreateRequest, in *Intent, num int) *model.Tunnel {
	t := &model.Tunnel{
		Org: req.Org, Num: num,
		IsActive:         true,
		DeviceA:          in.DeviceA.ID,
		InterfaceA:       in.IfcA.DevID,
		PathLabel:        in.PathLabel,
		EncryptionMethod: req.Encryption,
		Advanced:         req.Advanced,
	}
	if in.Peer != nil {
		t.Peer = in.Peer.ID
		t.EncryptionMethod = model.EncryptionIKEv2
	} else {
		t.DeviceB = in.DeviceB.ID
		t.InterfaceB = in.IfcB.DevID
	}
	return t
}

func (s *Service) rollback(ctx context.Context, org string, in *Intent, num int) {
	s.releasePair(ctx, org, in)
	if err := s.store.ReleaseNum(ctx, org, num); err != nil {
		util.WithOrg(org).Warnf("rolling back tunnel number %d: %v", num, err)
	}
}

func (s *Service) releasePair(ctx context.Context, org string, in *Intent) {
	if err := s.store.ReleasePairKey(ctx, org, in.PairKey()); err != nil {
		util.WithOrg(org).Warnf("releasing pair key %s: %v", in.PairKey(), err)
	}
}

func (in *Intent) otherName() string {
	if in.Peer != nil {
		return "peer " + in.Peer.Name
	}
	return in.DeviceB.Hostname
}

func createTitle(in *Intent) string {
	return fmt.Sprintf("Create tunnel between %s and %s", in.DeviceA.Hostname, in.otherName())
}

func isAllocationError(err error) bool {
	var ae *util.AllocationError
	return errors.As(err, &ae)
}

// batchResult maps created/planned counts and the reason set onto the
// caller-visible status.
func batchResult(ids []string, created, planned int, reasons *Reasons) *model.BatchResult {
	var status model.BatchStatus
	switch {
	case created == planned && reasons.Empty():
		status = model.StatusCompleted
	case created > 0:
		status = model.StatusPartial
	default:
		status = model.StatusFailed
	}
	return &model.BatchResult{IDs: ids, Status: status, Message: reasons.Message()}
}
