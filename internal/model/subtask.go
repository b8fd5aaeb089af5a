package model

import (
	"time"

	"github.com/google/uuid"
)

// SubtaskStatus is the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskPending    SubtaskStatus = "pending"
	SubtaskInProgress SubtaskStatus = "in-progress"
	SubtaskCompleted  SubtaskStatus = "completed"
	SubtaskFailed     SubtaskStatus = "failed"
	SubtaskCancelled  SubtaskStatus = "cancelled"
)

// Subtask is the executable unit derived from a TASK (or DIRECTOR) node, the
// granularity at which workers see work.
type Subtask struct {
	ID              uuid.UUID      `json:"id"`
	WorkflowID      uuid.UUID      `json:"workflow_id"`
	NodeID          uuid.UUID      `json:"node_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	RecommendedTool string         `json:"recommended_tool"`
	Privacy         string         `json:"privacy"`
	DependsOn       []uuid.UUID    `json:"depends_on"`
	Priority        int            `json:"priority"`   // 1..10
	Complexity      int            `json:"complexity"` // 1..5
	Status          SubtaskStatus  `json:"status"`
	Progress        int            `json:"progress"` // 0..100
	AssignedWorker  *uuid.UUID     `json:"assigned_worker,omitempty"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	Timeout         time.Duration  `json:"timeout"`
	Version         int            `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ReadyGivenCompleted reports whether s is ready to run given the set of
// subtask ids that have reached SubtaskCompleted.
func (s *Subtask) ReadyGivenCompleted(completed map[uuid.UUID]bool) bool {
	if s.Status != SubtaskPending {
		return false
	}
	for _, dep := range s.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// ClampPriority normalizes priority into the documented 1..10 range.
func ClampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}
