// Package wsproto defines the worker wire protocol: a JSON frame envelope
// exchanged over a persistent duplex WebSocket connection, one frame per
// WriteJSON/ReadJSON call.
package wsproto

import (
	"encoding/json"
	"time"
)

// Type discriminates a Frame's Data shape.
type Type string

// Worker → Server frame kinds.
const (
	TypeRegister     Type = "register"
	TypeHeartbeat    Type = "heartbeat"
	TypePong         Type = "pong"
	TypeTaskProgress Type = "task_progress"
	TypeTaskResult   Type = "task_result"
	TypeTaskFailed   Type = "task_failed"
	TypeTaskRejected Type = "task_rejected"
)

// Server → Worker frame kinds.
const (
	TypeTaskAssignment Type = "task_assignment"
	TypeTaskCancel     Type = "task_cancel"
	TypePing           Type = "ping"
	TypeNotification   Type = "notification"
	TypeRegisterAck    Type = "register_ack"
	TypeHeartbeatAck   Type = "heartbeat_ack"
)

// Frame is the envelope every message on the wire is wrapped in.
type Frame struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewFrame marshals data and stamps the current time.
func NewFrame(typ Type, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: typ, Data: raw, Timestamp: time.Now()}, nil
}

// RegisterData is the payload of a "register" frame.
type RegisterData struct {
	MachineID   string         `json:"machine_id"`
	MachineName string         `json:"machine_name"`
	Tools       []string       `json:"tools"`
	SystemInfo  map[string]any `json:"system_info"`
}

// HeartbeatData is the payload of a "heartbeat" frame.
type HeartbeatData struct {
	Status        string   `json:"status"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	DiskPercent   float64  `json:"disk_percent"`
	CurrentTask   *string  `json:"current_task,omitempty"`
}

// TaskProgressData is the payload of a "task_progress" frame.
type TaskProgressData struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

// TaskResultPayload is the nested "result" object of a "task_result" frame.
type TaskResultPayload struct {
	Output        map[string]any `json:"output"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
}

// TaskResultData is the payload of a "task_result" frame.
type TaskResultData struct {
	TaskID string            `json:"task_id"`
	Result TaskResultPayload `json:"result"`
}

// TaskFailedData is the payload of a "task_failed" frame.
type TaskFailedData struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// TaskRejectedData is the payload of a "task_rejected" frame.
type TaskRejectedData struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// TaskAssignmentData is the payload of a "task_assignment" frame.
type TaskAssignmentData struct {
	SubtaskID      string         `json:"subtask_id"`
	Description    string         `json:"description"`
	AssignedTool   string         `json:"assigned_tool"`
	Context        map[string]any `json:"context,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// TaskCancelData is the payload of a "task_cancel" frame.
type TaskCancelData struct {
	SubtaskID string `json:"subtask_id"`
	Reason    string `json:"reason"`
}

// RegisterAckData is the payload of a "register_ack" frame.
type RegisterAckData struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
}

// Close codes for worker connection teardown.
const (
	CloseNormal          = 1000
	CloseSuperseded      = 1000
	CloseAuthFailed      = 4401
	CloseAlreadyDeleted  = 4409
	CloseServerError     = 1011
)
