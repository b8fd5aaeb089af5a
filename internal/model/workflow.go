// Package model defines the durable entities of the orchestration control
// plane: workflows, nodes, edges, subtasks, workers and review checkpoints.
package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowType is the execution pattern a workflow was authored for.
type WorkflowType string

const (
	WorkflowSequential   WorkflowType = "sequential"
	WorkflowConcurrent   WorkflowType = "concurrent"
	WorkflowGraph        WorkflowType = "graph"
	WorkflowHierarchical WorkflowType = "hierarchical"
	WorkflowMixture      WorkflowType = "mixture"
)

// WorkflowStatus is the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowDraft     WorkflowStatus = "draft"
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether the status is a sink state.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// Workflow is a single run of a DAG, or a stored template when IsTemplate is
// true (consumed by SUBFLOW nodes and the scheduler).
type Workflow struct {
	ID             uuid.UUID              `json:"id"`
	Owner          string                 `json:"owner"`
	Name           string                 `json:"name"`
	Type           WorkflowType           `json:"type"`
	Status         WorkflowStatus         `json:"status"`
	Context        map[string]any         `json:"context"`
	TotalNodes     int                    `json:"total_nodes"`
	CompletedNodes int                    `json:"completed_nodes"`
	IsTemplate     bool                   `json:"is_template"`
	Error          string                 `json:"error,omitempty"`
	Version        int                    `json:"version"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Ready reports whether a workflow has no more outstanding work.
func (w *Workflow) Ready() bool {
	return w.CompletedNodes >= w.TotalNodes
}
