package model

import (
	"time"

	"github.com/google/uuid"
)

// NodeKind is the discriminator for node-kind-specific dispatch.
type NodeKind string

const (
	NodeTask           NodeKind = "task"
	NodeCondition      NodeKind = "condition"
	NodeParallelSplit  NodeKind = "parallel-split"
	NodeParallelJoin   NodeKind = "parallel-join"
	NodeHumanReview    NodeKind = "human-review"
	NodeLoop           NodeKind = "loop"
	NodeRouter         NodeKind = "router"
	NodeSubflow        NodeKind = "subflow"
	NodeDirector       NodeKind = "director"
)

// NodeStatus is the per-node execution state.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeWaiting   NodeStatus = "waiting"
)

// JoinStrategy controls how a PARALLEL-JOIN merges branch outputs.
type JoinStrategy string

const (
	JoinFirst JoinStrategy = "first"
	JoinLast  JoinStrategy = "last"
	JoinAll   JoinStrategy = "all"
	JoinVote  JoinStrategy = "vote"
)

// RetryPolicy is the per-node retry configuration.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay"`
}

// DefaultRetryPolicy is used whenever a node carries no explicit retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 200 * time.Millisecond}
}

// NodeConfig holds the kind-specific configuration a node carries. Only the
// fields relevant to Kind are populated; the rest are zero.
type NodeConfig struct {
	// TASK / DIRECTOR
	RecommendedTool string `json:"recommended_tool,omitempty"`
	Description     string `json:"description,omitempty"`
	Privacy         string `json:"privacy,omitempty"` // "normal" | "sensitive"

	// CONDITION
	Expression string `json:"expression,omitempty"`

	// PARALLEL-SPLIT
	Branches []string `json:"branches,omitempty"`
	JoinNode string   `json:"join_node,omitempty"`
	FailFast bool     `json:"fail_fast,omitempty"`

	// PARALLEL-JOIN
	ExpectedBranches []string     `json:"expected_branches,omitempty"`
	Strategy         JoinStrategy `json:"strategy,omitempty"`

	// HUMAN-REVIEW
	ApproveBranch   string   `json:"approve_branch,omitempty"`
	RejectBranch    string   `json:"reject_branch,omitempty"`
	RequiredFields  []string `json:"required_fields,omitempty"`
	Urgency         string   `json:"urgency,omitempty"`
	TimeoutDuration time.Duration `json:"timeout_duration,omitempty"`
	ReviewType      string   `json:"review_type,omitempty"` // "approval" | "input"

	// LOOP
	LoopCondition string `json:"loop_condition,omitempty"`
	LoopBodyEntry string `json:"loop_body_entry,omitempty"`
	LoopExit      string `json:"loop_exit,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`

	// ROUTER
	Routes        []string `json:"routes,omitempty"`
	DefaultRoute  string   `json:"default_route,omitempty"`

	// SUBFLOW
	TemplateName string         `json:"template_name,omitempty"`
	InputMapping map[string]string `json:"input_mapping,omitempty"`
}

// Node is a vertex in a workflow's DAG.
type Node struct {
	ID           uuid.UUID      `json:"id"`
	WorkflowID   uuid.UUID      `json:"workflow_id"`
	Name         string         `json:"name"`
	Kind         NodeKind       `json:"kind"`
	Status       NodeStatus     `json:"status"`
	Config       NodeConfig     `json:"config"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	RetryCount   int            `json:"retry_count"`
	RetryPolicy  RetryPolicy    `json:"retry_policy"`
	SubtaskID    *uuid.UUID     `json:"subtask_id,omitempty"`
	LoopIteration int           `json:"loop_iteration,omitempty"`
	Error        string         `json:"error,omitempty"`
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Edge is a directed, optionally conditional connection between two nodes.
type Edge struct {
	ID         uuid.UUID `json:"id"`
	WorkflowID uuid.UUID `json:"workflow_id"`
	From       uuid.UUID `json:"from_node"`
	To         uuid.UUID `json:"to_node"`
	Condition  string    `json:"condition,omitempty"`
	Label      string    `json:"label,omitempty"`
	IsBackEdge bool      `json:"is_back_edge,omitempty"`
}

// NodeDefinition and EdgeDefinition are the wire shapes a DIRECTOR node's
// resolved output (or a freshly authored workflow) is validated against
// before being appended/persisted.
type NodeDefinition struct {
	Name   string     `json:"name"`
	Kind   NodeKind   `json:"kind"`
	Config NodeConfig `json:"config"`
}

type EdgeDefinition struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// DirectorOutput is the schema a DIRECTOR node's output must unmarshal into.
type DirectorOutput struct {
	Nodes []NodeDefinition `json:"nodes"`
	Edges []EdgeDefinition `json:"edges"`
}
