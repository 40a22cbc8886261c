package tunnel

import (
	"context"
	"fmt"
	"sync"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/queue"
	"github.com/wancore-net/wancore/pkg/util"
)

// tunnelCompleteMethod names the completion callback the control plane
// registers on tunnel jobs.
const tunnelCompleteMethod = "tunnels/complete"

// HashFolder folds a queued job's tasks into the device's desired-state hash.
// Implemented by the reconciliation engine; nil disables folding.
type HashFolder interface {
	FoldJob(ctx context.Context, machineID string, tasks []model.Task) error
}

// deviceTasks accumulates the merged work for one device within a batch.
type deviceTasks struct {
	device      *model.Device
	title       string
	tasks       []model.Task
	completions []model.Completion
}

// Dispatcher groups per-tunnel task lists by target device and submits one
// job per device and batch. For very large batches, placeholder jobs are
// pre-created so a job id exists for progress tracking before the slow
// enumeration completes.
//
// The device-to-job mapping is held per Dispatcher instance and passed
// explicitly through the batch, never shared across batches.
type Dispatcher struct {
	q        queue.Queue
	folder   HashFolder
	org      string
	username string

	mu           sync.Mutex
	byDevice     map[string]*deviceTasks
	order        []string // device ids in first-touch order, for stable output
	placeholders map[string]string
}

// NewDispatcher creates a dispatcher for one batch.
func NewDispatcher(q queue.Queue, folder HashFolder, org, username string) *Dispatcher {
	return &Dispatcher{
		q:            q,
		folder:       folder,
		org:          org,
		username:     username,
		byDevice:     make(map[string]*deviceTasks),
		placeholders: make(map[string]string),
	}
}

// Reserve pre-creates a not-ready placeholder job for a device. Used by
// background batches before enumeration starts.
func (d *Dispatcher) Reserve(ctx context.Context, dev *model.Device, title string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.placeholders[dev.ID]; ok {
		return id, nil
	}
	id, err := d.q.AddPlaceholder(ctx, dev.MachineID, d.username, d.org, title)
	if err != nil {
		return "", err
	}
	d.placeholders[dev.ID] = id
	return id, nil
}

// Append merges a tunnel's tasks for one device into the batch. Multiple
// tunnels touching the same device produce a single job. Safe for concurrent
// use; tunnel builds in a batch run concurrently.
func (d *Dispatcher) Append(dev *model.Device, title string, tasks []model.Task, comps ...model.Completion) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dt := d.byDevice[dev.ID]
	if dt == nil {
		dt = &deviceTasks{device: dev, title: title}
		d.byDevice[dev.ID] = dt
		d.order = append(d.order, dev.ID)
	}
	dt.tasks = append(dt.tasks, tasks...)
	dt.completions = append(dt.completions, comps...)
}

// Flush submits one job per touched device and fails any dangling
// placeholder whose every tunnel intent was skipped. A submission failure on
// one device excludes that device only; the rest of the batch is still
// delivered and the failure surfaces as a per-device reason. Returns the ids
// of the jobs that were submitted.
func (d *Dispatcher) Flush(ctx context.Context, reasons *Reasons) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []string
	for _, devID := range d.order {
		dt := d.byDevice[devID]
		req := model.JobRequest{Title: dt.title, Tasks: dt.tasks}
		var cb *queue.Callback
		if len(dt.completions) > 0 {
			cb = &queue.Callback{Method: tunnelCompleteMethod, Data: dt.completions}
		}

		if phID, ok := d.placeholders[devID]; ok {
			if err := d.q.UpdateJob(ctx, phID, req, cb); err != nil {
				// The placeholder stays registered so the dangling pass
				// below fails it with this reason attached.
				d.submitFailed(devID, dt, reasons, err)
				continue
			}
			delete(d.placeholders, devID)
			ids = append(ids, phID)
		} else {
			id, err := d.q.AddJob(ctx, dt.device.MachineID, d.username, d.org, req, cb, queue.DefaultOptions)
			if err != nil {
				d.submitFailed(devID, dt, reasons, err)
				continue
			}
			ids = append(ids, id)
		}

		if d.folder != nil {
			if err := d.folder.FoldJob(ctx, dt.device.MachineID, dt.tasks); err != nil {
				util.WithDevice(dt.device.MachineID).Warnf("folding job into sync hash: %v", err)
			}
		}
	}

	// A placeholder never updated means every intent for that device was
	// skipped. Leaving it "not ready" would strand a live job record, so it
	// is failed explicitly with the reasons the user needs.
	for devID, phID := range d.placeholders {
		msg := "no tunnels were created"
		if rs := reasons.DeviceReasons(devID); len(rs) > 0 {
			msg = joinReasons(rs)
		} else if m := reasons.Message(); m != "" {
			msg = m
		}
		if err := d.q.FailJob(ctx, phID, msg); err != nil {
			util.WithOrg(d.org).Warnf("failing dangling job %s: %v", phID, err)
		}
		delete(d.placeholders, devID)
	}
	return ids, nil
}

// submitFailed records a per-device job submission failure without aborting
// the rest of the flush.
func (d *Dispatcher) submitFailed(devID string, dt *deviceTasks, reasons *Reasons, err error) {
	util.WithDevice(dt.device.MachineID).Errorf("submitting job: %v", err)
	reasons.AddDevice(
		fmt.Sprintf("failed to queue job for device %s: %v", dt.device.Hostname, err), devID)
}

func joinReasons(rs []string) string {
	out := rs[0]
	for _, r := range rs[1:] {
		out += "; " + r
	}
	return out
}
