package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wancore-net/wancore/pkg/model"
	"github.com/wancore-net/wancore/pkg/util"
)

// MemoryQueue is an in-process Queue used by tests and single-node setups.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	fifo map[string][]string // machineID -> ready job ids in order
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*Job),
		fifo: make(map[string][]string),
	}
}

// AddJob queues a ready job.
func (q *MemoryQueue) AddJob(_ context.Context, machineID, username, org string, req model.JobRequest, cb *Callback, opts Options) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := &Job{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Org:       org,
		Username:  username,
		Request:   req,
		Callback:  cb,
		Options:   opts,
		Ready:     true,
		CreatedAt: time.Now().UTC(),
	}
	q.jobs[job.ID] = job
	q.fifo[machineID] = append(q.fifo[machineID], job.ID)
	return job.ID, nil
}

// AddPlaceholder pre-creates a not-ready job.
func (q *MemoryQueue) AddPlaceholder(_ context.Context, machineID, username, org, title string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := &Job{
		ID:        uuid.NewString(),
		MachineID: machineID,
		Org:       org,
		Username:  username,
		Request:   model.JobRequest{Title: title},
		Options:   DefaultOptions,
		CreatedAt: time.Now().UTC(),
	}
	q.jobs[job.ID] = job
	return job.ID, nil
}

// UpdateJob marks a placeholder ready for delivery.
func (q *MemoryQueue) UpdateJob(_ context.Context, id string, req model.JobRequest, cb *Callback) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, util.ErrNotFound)
	}
	if job.Ready {
		return fmt.Errorf("job %s already dispatched", id)
	}
	job.Request = req
	job.Callback = cb
	job.Ready = true
	q.fifo[job.MachineID] = append(q.fifo[job.MachineID], job.ID)
	return nil
}

// FailJob marks a job terminally failed.
func (q *MemoryQueue) FailJob(_ context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, util.ErrNotFound)
	}
	job.Failed = true
	job.Error = reason
	return nil
}

// GetJob loads a job by id.
func (q *MemoryQueue) GetJob(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, util.ErrNotFound)
	}
	copied := *job
	return &copied, nil
}

// DeviceJobs returns the ready jobs queued for a device, oldest first.
func (q *MemoryQueue) DeviceJobs(machineID string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.fifo[machineID]))
	for _, id := range q.fifo[machineID] {
		if job, ok := q.jobs[id]; ok {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out
}

// PendingJobs reports the number of ready jobs queued for a device.
func (q *MemoryQueue) PendingJobs(_ context.Context, machineID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo[machineID]), nil
}

// AllJobs returns every job the queue has seen. Test helper.
func (q *MemoryQueue) AllJobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		copied := *job
		out = append(out, &copied)
	}
	return out
}
