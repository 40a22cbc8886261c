package sync

import (
	"context"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/notify"
	"github.com/wancore-net/wancore/pkg/queue"
	"github.com/wancore-net/wancore/pkg/store"
	"github.com/wancore-net/wancore/pkg/util"
)

// ===================== Fakes =====================

// fakeSyncStore mirrors the persisted sync-record semantics in memory.
type fakeSyncStore struct {
	mu   gosync.Mutex
	recs map[string]*store.SyncRecord

	locks        map[string]string
	alwaysLocked bool
	lockAttempts int
	releases     int
}

func newFakeSyncStore() *fakeSyncStore {
	return &fakeSyncStore{
		recs:  make(map[string]*store.SyncRecord),
		locks: make(map[string]string),
	}
}

func (s *fakeSyncStore) rec(device string) *store.SyncRecord {
	r, ok := s.recs[device]
	if !ok {
		r = &store.SyncRecord{State: store.SyncStateUnknown, AutoSync: true}
		s.recs[device] = r
	}
	return r
}

func (s *fakeSyncStore) GetSyncRecord(_ context.Context, device string) (*store.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.rec(device)
	return &copied, nil
}

func (s *fakeSyncStore) SetSyncState(_ context.Context, device string, state store.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec(device).State = state
	return nil
}

func (s *fakeSyncStore) SetSyncHash(_ context.Context, device, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec(device).Hash = hash
	return nil
}

func (s *fakeSyncStore) ResetSyncTracking(_ context.Context, device string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rec(device)
	r.State = store.SyncStateSynced
	r.Trials = 0
	r.AutoSync = true
	return nil
}

func (s *fakeSyncStore) IncSyncTrials(_ context.Context, device string, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rec(device)
	r.Trials++
	if r.Trials > max {
		r.AutoSync = false
	}
	return r.Trials, nil
}

func (s *fakeSyncStore) SetAutoSync(_ context.Context, device string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec(device).AutoSync = enabled
	return nil
}

func (s *fakeSyncStore) AcquireSyncLock(_ context.Context, device, holder string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockAttempts++
	if s.alwaysLocked {
		return util.ErrLocked
	}
	if h, held := s.locks[device]; held && h != holder {
		return util.ErrLocked
	}
	s.locks[device] = holder
	return nil
}

func (s *fakeSyncStore) ReleaseSyncLock(_ context.Context, device, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	delete(s.locks, device)
	return nil
}

// drainedQueue reports an always-empty device backlog so repeated status
// reports are not deferred behind the full-sync jobs earlier tests queued.
type drainedQueue struct {
	*queue.MemoryQueue
}

func (drainedQueue) PendingJobs(context.Context, string) (int, error) { return 0, nil }

type fakeModule struct {
	name  string
	tasks []model.Task
	cb    interface{}
	err   error
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) SyncRequests(context.Context, string, string) ([]model.Task, interface{}, error) {
	return m.tasks, m.cb, m.err
}

type capturingNotifier struct {
	mu     gosync.Mutex
	events []notify.Event
}

func (n *capturingNotifier) Notify(_ context.Context, ev notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func syncDevice() *model.Device {
	return &model.Device{
		ID:        "dev-1",
		Org:       "org-1",
		Hostname:  "edge-1",
		MachineID: "machine-1",
		Versions:  model.Versions{Agent: "6.2.0", Router: "5.0.0"},
	}
}

func stateOf(t *testing.T, st *fakeSyncStore, device string) *store.SyncRecord {
	t.Helper()
	rec, err := st.GetSyncRecord(context.Background(), device)
	if err != nil {
		t.Fatalf("GetSyncRecord failed: %v", err)
	}
	return rec
}

// ===================== Status Handling Tests =====================

func TestHandleStatus_OldAgentUnknown(t *testing.T) {
	st := newFakeSyncStore()
	e := NewEngine(st, queue.NewMemoryQueue(), nil)
	dev := syncDevice()
	dev.Versions.Agent = "1.9.0"

	if err := e.HandleStatus(context.Background(), dev, "whatever"); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}
	if got := stateOf(t, st, dev.MachineID).State; got != store.SyncStateUnknown {
		t.Errorf("state = %q, want unknown", got)
	}
}

func TestHandleStatus_HashMatchResetsTracking(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{
		State: store.SyncStateSyncing, Hash: "abc", Trials: 1, AutoSync: true,
	}
	e := NewEngine(st, queue.NewMemoryQueue(), nil)

	if err := e.HandleStatus(context.Background(), syncDevice(), "abc"); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}
	rec := stateOf(t, st, "machine-1")
	if rec.State != store.SyncStateSynced || rec.Trials != 0 || !rec.AutoSync {
		t.Errorf("record after convergence = %+v", rec)
	}
}

func TestHandleStatus_AutoSyncOff(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{
		State: store.SyncStateNotSynced, Hash: "abc", AutoSync: false,
	}
	q := queue.NewMemoryQueue()
	e := NewEngine(st, q, nil)

	if err := e.HandleStatus(context.Background(), syncDevice(), "drifted"); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}
	if got := stateOf(t, st, "machine-1").State; got != store.SyncStateNotSynced {
		t.Errorf("state = %q, want not-synced", got)
	}
	if jobs := q.AllJobs(); len(jobs) != 0 {
		t.Errorf("auto-sync off must not queue jobs, got %d", len(jobs))
	}
}

func TestHandleStatus_MismatchQueuesFullSync(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{State: store.SyncStateSynced, Hash: "abc", AutoSync: true}
	q := queue.NewMemoryQueue()
	mod := &fakeModule{
		name:  "tunnels",
		tasks: []model.Task{model.NewAgentTask(model.MsgAddTunnel, nil)},
		cb:    []model.Completion{{Org: "org-1", Num: 0, Target: model.TargetDeviceA}},
	}
	e := NewEngine(st, q, nil, mod)

	if err := e.HandleStatus(context.Background(), syncDevice(), "drifted"); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	rec := stateOf(t, st, "machine-1")
	if rec.State != store.SyncStateSyncing {
		t.Errorf("state = %q, want syncing", rec.State)
	}
	if rec.Trials != 1 {
		t.Errorf("trials = %d, want 1", rec.Trials)
	}

	jobs := q.DeviceJobs("machine-1")
	if len(jobs) != 1 {
		t.Fatalf("expected one full-sync job, got %d", len(jobs))
	}
	job := jobs[0]
	if len(job.Request.Tasks) != 1 || job.Request.Tasks[0].Message != model.MsgSyncDevice {
		t.Fatalf("job tasks = %+v", job.Request.Tasks)
	}
	params, ok := job.Request.Tasks[0].Params.(map[string]interface{})
	if !ok || params["type"] != "full-sync" {
		t.Errorf("sync task params = %+v", job.Request.Tasks[0].Params)
	}
	if reqs, ok := params["requests"].([]model.Task); !ok || len(reqs) != 1 {
		t.Errorf("sync requests = %+v", params["requests"])
	}
	if job.Callback == nil || job.Callback.Method != syncCompleteMethod {
		t.Errorf("callback = %+v", job.Callback)
	}
	cbData, ok := job.Callback.Data.(map[string]interface{})
	if !ok || cbData["machineId"] != "machine-1" {
		t.Errorf("callback data = %+v", job.Callback.Data)
	}
}

func TestHandleStatus_DefersWhileJobsPending(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{State: store.SyncStateSynced, Hash: "abc", AutoSync: true}
	q := queue.NewMemoryQueue()
	ctx := context.Background()

	// An in-flight job may close the drift on its own.
	if _, err := q.AddJob(ctx, "machine-1", "alice", "org-1",
		model.JobRequest{Title: "t"}, nil, queue.DefaultOptions); err != nil {
		t.Fatalf("AddJob failed: %v", err)
	}

	e := NewEngine(st, q, nil)
	if err := e.HandleStatus(ctx, syncDevice(), "drifted"); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}

	rec := stateOf(t, st, "machine-1")
	if rec.State != store.SyncStateSyncing {
		t.Errorf("state = %q, want syncing", rec.State)
	}
	if rec.Trials != 0 {
		t.Errorf("trials = %d, deferral must not burn an attempt", rec.Trials)
	}
	if jobs := q.AllJobs(); len(jobs) != 1 {
		t.Errorf("expected no new jobs, queue has %d", len(jobs))
	}
}

func TestHandleStatus_TrialsExhausted(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{State: store.SyncStateSynced, Hash: "abc", AutoSync: true}
	q := drainedQueue{queue.NewMemoryQueue()}
	notifier := &capturingNotifier{}
	e := NewEngine(st, q, notifier)
	ctx := context.Background()
	dev := syncDevice()

	for i := 0; i < maxSyncTrials; i++ {
		if err := e.HandleStatus(ctx, dev, "drifted"); err != nil {
			t.Fatalf("HandleStatus attempt %d failed: %v", i+1, err)
		}
	}
	if jobs := q.AllJobs(); len(jobs) != maxSyncTrials {
		t.Fatalf("expected %d full-sync jobs, got %d", maxSyncTrials, len(jobs))
	}

	// One more drifted report exceeds the cap: no job, a critical event,
	// auto-sync disabled.
	if err := e.HandleStatus(ctx, dev, "drifted"); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}
	rec := stateOf(t, st, "machine-1")
	if rec.State != store.SyncStateNotSynced {
		t.Errorf("state = %q, want not-synced", rec.State)
	}
	if rec.AutoSync {
		t.Error("auto-sync should be disabled past the trial cap")
	}
	if jobs := q.AllJobs(); len(jobs) != maxSyncTrials {
		t.Errorf("no job should be queued past the cap, got %d", len(jobs))
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != notify.EventDeviceAutoSyncOff {
		t.Fatalf("events = %+v", notifier.events)
	}
	if notifier.events[0].Severity != notify.SeverityCritical {
		t.Errorf("severity = %q", notifier.events[0].Severity)
	}

	// With auto-sync off the next report short-circuits to not-synced.
	if err := e.HandleStatus(ctx, dev, "drifted"); err != nil {
		t.Fatalf("HandleStatus failed: %v", err)
	}
	if len(notifier.events) != 1 {
		t.Errorf("no further events expected, got %d", len(notifier.events))
	}
}

func TestHandleStatus_ModuleErrorPropagates(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{State: store.SyncStateSynced, Hash: "abc", AutoSync: true}
	mod := &fakeModule{name: "tunnels", err: util.ErrNotFound}
	e := NewEngine(st, drainedQueue{queue.NewMemoryQueue()}, nil, mod)

	err := e.HandleStatus(context.Background(), syncDevice(), "drifted")
	if err == nil || !strings.Contains(err.Error(), "tunnels") {
		t.Errorf("expected the failing module to be named, got %v", err)
	}
}

// ===================== Fold Tests =====================

func TestFoldJob_AdvancesChain(t *testing.T) {
	st := newFakeSyncStore()
	e := NewEngine(st, queue.NewMemoryQueue(), nil)
	ctx := context.Background()

	tasks := []model.Task{
		model.NewAgentTask(model.MsgAddTunnel, map[string]interface{}{"num": 1}),
		model.NewAgentTask(model.MsgAddRoute, map[string]interface{}{"addr": "10.0.0.0/24"}),
	}
	if err := e.FoldJob(ctx, "machine-1", tasks); err != nil {
		t.Fatalf("FoldJob failed: %v", err)
	}

	want := ""
	for _, task := range tasks {
		v, err := jsonShape(task)
		if err != nil {
			t.Fatalf("jsonShape failed: %v", err)
		}
		want = FoldHash(want, v)
	}
	if got := stateOf(t, st, "machine-1").Hash; got != want {
		t.Errorf("hash = %q, want %q", got, want)
	}
	if st.releases != 1 {
		t.Errorf("lock releases = %d, want 1", st.releases)
	}
}

func TestFoldJob_LockBusyFoldsAnyway(t *testing.T) {
	st := newFakeSyncStore()
	st.alwaysLocked = true
	e := NewEngine(st, queue.NewMemoryQueue(), nil)

	tasks := []model.Task{model.NewAgentTask(model.MsgAddTunnel, nil)}
	if err := e.FoldJob(context.Background(), "machine-1", tasks); err != nil {
		t.Fatalf("FoldJob failed: %v", err)
	}
	if st.lockAttempts != 2 {
		t.Errorf("lock attempts = %d, want one retry", st.lockAttempts)
	}
	if stateOf(t, st, "machine-1").Hash == "" {
		t.Error("a busy lock must not drop the fold")
	}
	if st.releases != 0 {
		t.Errorf("never-acquired lock was released %d times", st.releases)
	}
}

func TestFoldJob_SyncTaskSkipped(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{State: store.SyncStateSyncing, Hash: "abc", Trials: 1, AutoSync: true}
	e := NewEngine(st, queue.NewMemoryQueue(), nil)

	tasks := []model.Task{model.NewAgentTask(model.MsgSyncDevice, nil)}
	if err := e.FoldJob(context.Background(), "machine-1", tasks); err != nil {
		t.Fatalf("FoldJob failed: %v", err)
	}
	rec := stateOf(t, st, "machine-1")
	if rec.Hash != "abc" {
		t.Errorf("hash = %q, full-sync jobs must not fold", rec.Hash)
	}
	if rec.Trials != 1 || rec.State != store.SyncStateSyncing {
		t.Errorf("tracking disturbed: %+v", rec)
	}
}

// ===================== Completion Tests =====================

func TestCompleteFullSync(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{State: store.SyncStateSyncing, Hash: "old", Trials: 2, AutoSync: true}
	e := NewEngine(st, queue.NewMemoryQueue(), nil)
	ctx := context.Background()

	if err := e.CompleteFullSync(ctx, "machine-1", "device-computed", true); err != nil {
		t.Fatalf("CompleteFullSync failed: %v", err)
	}
	rec := stateOf(t, st, "machine-1")
	if rec.Hash != "device-computed" {
		t.Errorf("hash = %q, want the device-computed head", rec.Hash)
	}
	if rec.State != store.SyncStateSynced || rec.Trials != 0 {
		t.Errorf("tracking not reset: %+v", rec)
	}
}

func TestCompleteFullSync_FailureKeepsState(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{State: store.SyncStateSyncing, Hash: "old", Trials: 1, AutoSync: true}
	e := NewEngine(st, queue.NewMemoryQueue(), nil)

	if err := e.CompleteFullSync(context.Background(), "machine-1", "ignored", false); err != nil {
		t.Fatalf("CompleteFullSync failed: %v", err)
	}
	rec := stateOf(t, st, "machine-1")
	if rec.Hash != "old" || rec.Trials != 1 || rec.State != store.SyncStateSyncing {
		t.Errorf("failed completion must change nothing, got %+v", rec)
	}
}

func TestForceResync(t *testing.T) {
	st := newFakeSyncStore()
	st.recs["machine-1"] = &store.SyncRecord{State: store.SyncStateNotSynced, Hash: "abc", Trials: 3, AutoSync: false}
	e := NewEngine(st, queue.NewMemoryQueue(), nil)

	if err := e.ForceResync(context.Background(), "machine-1"); err != nil {
		t.Fatalf("ForceResync failed: %v", err)
	}
	rec := stateOf(t, st, "machine-1")
	if rec.Hash != store.ForceResyncHash {
		t.Errorf("hash = %q, want the sentinel", rec.Hash)
	}
	if !rec.AutoSync {
		t.Error("forced resync must re-enable auto-sync")
	}
	if rec.State != store.SyncStateSyncing {
		t.Errorf("state = %q, want syncing", rec.State)
	}
}
