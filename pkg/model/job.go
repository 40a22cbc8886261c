package model

// Task message names understood by device agents.
const (
	MsgAddTunnel        = "add-tunnel"
	MsgRemoveTunnel     = "remove-tunnel"
	MsgModifyTunnel     = "modify-tunnel"
	MsgAddRoute         = "add-route"
	MsgRemoveRoute      = "remove-route"
	MsgModifyRoutingBGP = "modify-routing-bgp"
	MsgSyncDevice       = "sync-device"
)

// Task is one unit of device configuration work inside a job.
type Task struct {
	Entity  string      `json:"entity"`
	Message string      `json:"message"`
	Params  interface{} `json:"params"`
}

// NewAgentTask builds a task addressed to the device agent.
func NewAgentTask(message string, params interface{}) Task {
	return Task{Entity: "agent", Message: message, Params: params}
}

// JobRequest is the payload submitted to the job queue for one device.
type JobRequest struct {
	Title string `json:"title"`
	Tasks []Task `json:"tasks"`
}

// CompletionTarget names which tunnel endpoint a job completion refers to.
type CompletionTarget string

const (
	TargetDeviceA CompletionTarget = "deviceA"
	TargetDeviceB CompletionTarget = "deviceB"
)

// Completion is the bookkeeping triple carried by job responses. On
// device-reported success the corresponding tunnel confirmation flag flips.
type Completion struct {
	Org    string           `json:"org"`
	Num    int              `json:"num"`
	Target CompletionTarget `json:"target"`
}

// BatchStatus is the caller-visible outcome of a tunnel batch operation.
type BatchStatus string

const (
	// StatusCompleted: every desired job was delivered.
	StatusCompleted BatchStatus = "completed"
	// StatusPartial: some jobs were delivered, some failed or were skipped.
	StatusPartial BatchStatus = "partially completed"
	// StatusUnknown: the batch runs in the background; check progress later.
	StatusUnknown BatchStatus = "completed - unknown errors"
	// StatusFailed: nothing was delivered.
	StatusFailed BatchStatus = "failed"
)

// BatchResult is the structured {ids, status, message} triple returned for
// every batch operation. Message concatenates the deduplicated reason set.
type BatchResult struct {
	IDs     []string    `json:"ids"`
	Status  BatchStatus `json:"status"`
	Message string      `json:"message"`
}
