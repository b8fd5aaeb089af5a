package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the connection/availability state of a worker as tracked
// by the connection manager and allocator.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// ResourceMetrics is the most recently reported load snapshot for a worker.
type ResourceMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// SystemInfo is static-ish identification a worker reports on registration.
type SystemInfo struct {
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	Hostname     string `json:"hostname"`
	AgentVersion string `json:"agent_version"`
}

// Worker is a registered worker agent, identified independently of any one
// connection so that reconnects don't change its identity.
type Worker struct {
	ID              uuid.UUID       `json:"id"`
	MachineID       string          `json:"machine_id"`
	DisplayName     string          `json:"display_name"`
	Tools           []string        `json:"tools"`
	Status          WorkerStatus    `json:"status"`
	LastHeartbeat   time.Time       `json:"last_heartbeat"`
	Metrics         ResourceMetrics `json:"metrics"`
	System          SystemInfo      `json:"system"`
	APIKeyID        string          `json:"-"`
	APIKeyHash      string          `json:"-"`
	APIKeyRevoked   bool            `json:"-"`
	Version         int             `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HasTool reports whether the worker declared support for tool.
func (w *Worker) HasTool(tool string) bool {
	for _, t := range w.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// localToolSuffix marks a declared tool as running on-device rather than
// calling out to a cloud API, e.g. "whisper@local" vs "whisper-api".
const localToolSuffix = "@local"

// HasLocalTool reports whether any declared tool runs on-device.
func (w *Worker) HasLocalTool() bool {
	for _, t := range w.Tools {
		if strings.HasSuffix(t, localToolSuffix) {
			return true
		}
	}
	return false
}

// HasCloudTool reports whether any declared tool calls out to a remote
// service rather than running on-device.
func (w *Worker) HasCloudTool() bool {
	for _, t := range w.Tools {
		if !strings.HasSuffix(t, localToolSuffix) {
			return true
		}
	}
	return false
}

// StaleAt and DeadAt compute the heartbeat-reaper thresholds for a worker
// given the configured windows. A worker is stale once it has missed one
// expected heartbeat interval and dead once it has missed the dead window
// entirely; the reaper treats these as two escalating sweeps.
func (w *Worker) StaleAt(staleAfter time.Duration) time.Time {
	return w.LastHeartbeat.Add(staleAfter)
}

func (w *Worker) DeadAt(deadAfter time.Duration) time.Time {
	return w.LastHeartbeat.Add(deadAfter)
}
