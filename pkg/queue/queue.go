// Package queue models the per-device job delivery service: an at-least-once
// FIFO of configuration jobs keyed by device machine id. The control plane
// only depends on the Queue interface; transports are interchangeable.
package queue

import (
	"context"
	"time"

	"github.com/wancore-net/wancore/pkg/model"
)

// Callback describes the completion notification a job carries back to the
// control plane when the device finishes processing it.
type Callback struct {
	Method string      `json:"method"`
	Data   interface{} `json:"data"`
}

// Options are job scheduling parameters.
type Options struct {
	Priority         string `json:"priority"`
	Attempts         int    `json:"attempts"`
	RemoveOnComplete bool   `json:"removeOnComplete"`
}

// DefaultOptions are the scheduling parameters used for tunnel jobs.
var DefaultOptions = Options{Priority: "normal", Attempts: 1, RemoveOnComplete: false}

// Job is a queued unit of device work.
type Job struct {
	ID        string           `json:"id"`
	MachineID string           `json:"machineId"`
	Org       string           `json:"org"`
	Username  string           `json:"username"`
	Request   model.JobRequest `json:"request"`
	Callback  *Callback        `json:"callback,omitempty"`
	Options   Options          `json:"options"`

	// Ready is false for placeholder jobs created before their task list is
	// known. Not-ready jobs are never delivered.
	Ready bool `json:"ready"`

	Failed bool   `json:"failed,omitempty"`
	Error  string `json:"error,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Queue is the job delivery contract the control plane depends on.
type Queue interface {
	// AddJob queues a ready job for a device and returns its id.
	AddJob(ctx context.Context, machineID, username, org string, req model.JobRequest, cb *Callback, opts Options) (string, error)

	// AddPlaceholder pre-creates a not-ready job so an id exists for progress
	// tracking before a slow enumeration completes.
	AddPlaceholder(ctx context.Context, machineID, username, org, title string) (string, error)

	// UpdateJob fills in a placeholder's task list and marks it ready for
	// delivery.
	UpdateJob(ctx context.Context, id string, req model.JobRequest, cb *Callback) error

	// FailJob marks a job terminally failed without transport. A placeholder
	// whose every tunnel intent was skipped ends here, carrying the
	// aggregated skip reasons.
	FailJob(ctx context.Context, id, reason string) error

	// GetJob loads a job by id.
	GetJob(ctx context.Context, id string) (*Job, error)
}
