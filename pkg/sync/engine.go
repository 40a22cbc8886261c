package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/notify"
	"github.com/wancore-net/wancore/pkg/queue"
	"github.com/wancore-net/wancore/pkg/store"
	"github.com/wancore-net/wancore/pkg/util"
)

const (
	// maxSyncTrials caps full-sync attempts per drift episode; past it
	// auto-sync is disabled and the device needs a manual re-trigger.
	maxSyncTrials = 2

	// syncLockTTL bounds how long a crashed holder can block hash updates.
	syncLockTTL = 30 * time.Second

	// lockRetryDelay is the pause before the single lock re-acquisition
	// attempt.
	lockRetryDelay = 100 * time.Millisecond

	// syncCompleteMethod names the completion callback of full-sync jobs.
	syncCompleteMethod = "sync/complete"
)

// Store is the persistence contract of the engine.
type Store interface {
	GetSyncRecord(ctx context.Context, device string) (*store.SyncRecord, error)
	SetSyncState(ctx context.Context, device string, state store.SyncState) error
	SetSyncHash(ctx context.Context, device, hash string) error
	ResetSyncTracking(ctx context.Context, device string) error
	IncSyncTrials(ctx context.Context, device string, max int) (int, error)
	SetAutoSync(ctx context.Context, device string, enabled bool) error
	AcquireSyncLock(ctx context.Context, device, holder string, ttl time.Duration) error
	ReleaseSyncLock(ctx context.Context, device, holder string) error
}

// JobQueue extends the delivery contract with the pending-job count the
// engine uses to defer full-sync generation while jobs are in flight.
type JobQueue interface {
	queue.Queue
	PendingJobs(ctx context.Context, machineID string) (int, error)
}

// Module is one registered configuration sub-system (tunnels, routes, ...).
// Each contributes its own desired-state request list to full-sync jobs.
type Module interface {
	Name() string
	// SyncRequests returns the module's complete desired configuration for
	// one device, plus an optional completion callback payload.
	SyncRequests(ctx context.Context, org, machineID string) ([]model.Task, interface{}, error)
}

// Recorder receives sync counters. Implemented by the metrics package; nil
// disables recording.
type Recorder interface {
	SyncStateChanged(state string)
	FullSyncQueued()
}

// Engine drives the per-device sync state machine:
// synced <-> syncing <-> not-synced, plus unknown for agents that predate
// hash reporting.
type Engine struct {
	store    Store
	queue    JobQueue
	notifier notify.Notifier
	recorder Recorder
	modules  []Module

	// holder identifies this process instance for lock ownership.
	holder string
}

// NewEngine creates a reconciliation engine. Modules are consulted in
// registration order when a full-sync job is assembled.
func NewEngine(st Store, q JobQueue, notifier notify.Notifier, modules ...Module) *Engine {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Engine{
		store:    st,
		queue:    q,
		notifier: notifier,
		modules:  modules,
		holder:   uuid.NewString(),
	}
}

// Register adds a module. Not safe to call after the engine starts serving.
func (e *Engine) Register(m Module) {
	e.modules = append(e.modules, m)
}

// SetRecorder attaches a metrics recorder. Not safe to call after the engine
// starts serving.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

func (e *Engine) setState(ctx context.Context, machineID string, state store.SyncState) error {
	if err := e.store.SetSyncState(ctx, machineID, state); err != nil {
		return err
	}
	if e.recorder != nil {
		e.recorder.SyncStateChanged(string(state))
	}
	return nil
}

// FoldJob folds a queued job's tasks into the device's desired-state hash
// chain. A per-device lock serializes concurrent folds so two jobs queued at
// once cannot both read the same chain head; on lock failure the fold is
// retried once outside the lock rather than dropped.
func (e *Engine) FoldJob(ctx context.Context, machineID string, tasks []model.Task) error {
	err := e.store.AcquireSyncLock(ctx, machineID, e.holder, syncLockTTL)
	if errors.Is(err, util.ErrLocked) {
		time.Sleep(lockRetryDelay)
		err = e.store.AcquireSyncLock(ctx, machineID, e.holder, syncLockTTL)
	}
	if err != nil {
		if !errors.Is(err, util.ErrLocked) {
			return err
		}
		// Unserialized fold beats a silently dropped one: worst case the
		// hash drifts and the reconciliation sweep schedules a full sync.
		util.WithDevice(machineID).Warnf("sync lock busy, folding without it")
		return e.fold(ctx, machineID, tasks)
	}
	defer func() {
		if rerr := e.store.ReleaseSyncLock(ctx, machineID, e.holder); rerr != nil {
			util.WithDevice(machineID).Warnf("releasing sync lock: %v", rerr)
		}
	}()
	return e.fold(ctx, machineID, tasks)
}

func (e *Engine) fold(ctx context.Context, machineID string, tasks []model.Task) error {
	rec, err := e.store.GetSyncRecord(ctx, machineID)
	if err != nil {
		return err
	}
	hash := rec.Hash
	for _, task := range tasks {
		// Full-sync jobs are not folded; the post-sync hash arrives with the
		// completion report instead.
		if task.Message == model.MsgSyncDevice {
			return nil
		}
		v, err := jsonShape(task)
		if err != nil {
			return err
		}
		hash = FoldHash(hash, v)
	}
	return e.store.SetSyncHash(ctx, machineID, hash)
}

// jsonShape round-trips a task through encoding/json so the stable stringify
// sees the exact wire shape, independent of Go struct types.
func jsonShape(task model.Task) (interface{}, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task for hash: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding task for hash: %w", err)
	}
	return v, nil
}

// HandleStatus runs the state machine for one device status report carrying
// the agent-computed configuration hash.
func (e *Engine) HandleStatus(ctx context.Context, dev *model.Device, reportedHash string) error {
	if !util.SupportsFeature(dev.Versions.Agent, util.FeatureSyncHash) {
		return e.setState(ctx, dev.MachineID, store.SyncStateUnknown)
	}

	rec, err := e.store.GetSyncRecord(ctx, dev.MachineID)
	if err != nil {
		return err
	}

	if reportedHash == rec.Hash {
		// Converged: clear the trial counter and re-enable auto-sync.
		if e.recorder != nil && rec.State != store.SyncStateSynced {
			e.recorder.SyncStateChanged(string(store.SyncStateSynced))
		}
		return e.store.ResetSyncTracking(ctx, dev.MachineID)
	}

	if !rec.AutoSync {
		return e.setState(ctx, dev.MachineID, store.SyncStateNotSynced)
	}

	if err := e.setState(ctx, dev.MachineID, store.SyncStateSyncing); err != nil {
		return err
	}

	pending, err := e.queue.PendingJobs(ctx, dev.MachineID)
	if err != nil {
		return err
	}
	if pending > 0 {
		// In-flight jobs may close the gap on their own; generating a full
		// sync now would race them.
		return nil
	}

	trials, err := e.store.IncSyncTrials(ctx, dev.MachineID, maxSyncTrials)
	if err != nil {
		return err
	}
	if trials > maxSyncTrials {
		if err := e.setState(ctx, dev.MachineID, store.SyncStateNotSynced); err != nil {
			return err
		}
		e.notifier.Notify(ctx, notify.Event{
			Kind: notify.EventDeviceAutoSyncOff, Org: dev.Org,
			Targets:  notify.Targets{DeviceID: dev.ID},
			Severity: notify.SeverityCritical,
			Title:    "automatic sync disabled",
			Details: fmt.Sprintf("device %s failed %d full-sync attempts and requires manual resync",
				dev.Hostname, maxSyncTrials),
		})
		return nil
	}

	return e.queueFullSync(ctx, dev)
}

// queueFullSync assembles one sync-device job from every registered module's
// desired-state request list.
func (e *Engine) queueFullSync(ctx context.Context, dev *model.Device) error {
	var requests []model.Task
	callbacks := make(map[string]interface{})
	for _, m := range e.modules {
		tasks, cbData, err := m.SyncRequests(ctx, dev.Org, dev.MachineID)
		if err != nil {
			return fmt.Errorf("module %s sync requests: %w", m.Name(), err)
		}
		requests = append(requests, tasks...)
		if cbData != nil {
			callbacks[m.Name()] = cbData
		}
	}

	params := map[string]interface{}{
		"requests":       requests,
		"type":           "full-sync",
		"completeCbData": callbacks,
	}
	req := model.JobRequest{
		Title: fmt.Sprintf("Sync device %s", dev.Hostname),
		Tasks: []model.Task{model.NewAgentTask(model.MsgSyncDevice, params)},
	}
	cb := &queue.Callback{Method: syncCompleteMethod, Data: map[string]interface{}{
		"machineId": dev.MachineID,
		"modules":   callbacks,
	}}
	id, err := e.queue.AddJob(ctx, dev.MachineID, "system", dev.Org, req, cb, queue.DefaultOptions)
	if err != nil {
		return err
	}
	util.WithDevice(dev.MachineID).Infof("queued full-sync job %s (%d requests)", id, len(requests))
	if e.recorder != nil {
		e.recorder.FullSyncQueued()
	}
	return nil
}

// CompleteFullSync records the outcome of a full-sync job. On success the
// device-computed hash becomes the new chain head and tracking resets; on
// failure the next status report drives another attempt through the trial
// cap.
func (e *Engine) CompleteFullSync(ctx context.Context, machineID, reportedHash string, ok bool) error {
	if !ok {
		util.WithDevice(machineID).Warnf("full-sync job failed")
		return nil
	}
	if err := e.store.SetSyncHash(ctx, machineID, reportedHash); err != nil {
		return err
	}
	return e.store.ResetSyncTracking(ctx, machineID)
}

// ForceResync plants the sentinel hash so the next status report mismatches
// and the state machine re-enters syncing regardless of actual drift. Also
// re-enables auto-sync: a forced resync is an explicit user action.
func (e *Engine) ForceResync(ctx context.Context, machineID string) error {
	if err := e.store.SetAutoSync(ctx, machineID, true); err != nil {
		return err
	}
	if err := e.store.SetSyncHash(ctx, machineID, store.ForceResyncHash); err != nil {
		return err
	}
	return e.setState(ctx, machineID, store.SyncStateSyncing)
}
