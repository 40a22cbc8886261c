// Package audit provides audit logging for tunnel control-plane operations.
package audit

import (
	"fmt"
	"time"
)

// Event represents one auditable control-plane operation: a tunnel batch, a
// forced resync, an auto-sync toggle.
type Event struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	User      string        `json:"user"`
	Org       string        `json:"org"`
	Operation string        `json:"operation"`
	Tunnels   []int         `json:"tunnels,omitempty"`
	Devices   []string      `json:"devices,omitempty"`
	JobIDs    []string      `json:"jobIds,omitempty"`
	Status    string        `json:"status,omitempty"`
	Message   string        `json:"message,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	ClientIP  string        `json:"client_ip,omitempty"`
}

// Operation names recorded by the tunnel service.
const (
	OpCreateTunnels = "create-tunnels"
	OpDeleteTunnels = "delete-tunnels"
	OpModifyTunnels = "modify-tunnels"
	OpRetryPending  = "retry-pending"
	OpForceResync   = "force-resync"
	OpSetAutoSync   = "set-autosync"
)

// Filter defines criteria for querying audit events
type Filter struct {
	Org         string
	User        string
	Operation   string
	Device      string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event
func NewEvent(user, org, operation string) *Event {
	return &Event{
		ID:        generateID(),
		Timestamp: time.Now(),
		User:      user,
		Org:       org,
		Operation: operation,
	}
}

// WithTunnels records the affected tunnel numbers
func (e *Event) WithTunnels(nums ...int) *Event {
	e.Tunnels = append(e.Tunnels, nums...)
	return e
}

// WithDevices records the affected device ids
func (e *Event) WithDevices(ids ...string) *Event {
	e.Devices = append(e.Devices, ids...)
	return e
}

// WithJobs records the produced job ids
func (e *Event) WithJobs(ids ...string) *Event {
	e.JobIDs = append(e.JobIDs, ids...)
	return e
}

// WithResult records the batch outcome
func (e *Event) WithResult(status, message string) *Event {
	e.Status = status
	e.Message = message
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

func generateID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
