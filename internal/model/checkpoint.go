package model

import (
	"time"

	"github.com/google/uuid"
)

// CheckpointStatus is the lifecycle state of a human-review checkpoint.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointModified CheckpointStatus = "modified"
	CheckpointExpired  CheckpointStatus = "expired"
	CheckpointCancelled CheckpointStatus = "cancelled"
)

// Urgency is the priority a HUMAN-REVIEW node assigns its checkpoint, used
// to order the review queue.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Decision is the reviewer's recorded response to a checkpoint.
type Decision struct {
	Type          string         `json:"type"` // "approve" | "reject" | "modify"
	Comments      string         `json:"comments,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Reviewer      string         `json:"reviewer"`
	DecidedAt     time.Time      `json:"decided_at"`
}

// Checkpoint is the durable record of a HUMAN-REVIEW node's pause, created
// when the node is reached and resolved when a reviewer responds or it
// expires.
type Checkpoint struct {
	ID         uuid.UUID        `json:"id"`
	WorkflowID uuid.UUID        `json:"workflow_id"`
	NodeID     uuid.UUID        `json:"node_id"`
	Input      map[string]any   `json:"input"`
	Status     CheckpointStatus `json:"status"`
	Urgency    Urgency          `json:"urgency"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Assignee   *string          `json:"assignee,omitempty"`
	Decision   *Decision        `json:"decision,omitempty"`
	Version    int              `json:"version"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Expired reports whether the checkpoint's deadline has passed as of now.
func (c *Checkpoint) Expired(now time.Time) bool {
	return c.Status == CheckpointPending && now.After(c.ExpiresAt)
}

// Resolved reports whether the checkpoint has reached a terminal state.
func (c *Checkpoint) Resolved() bool {
	switch c.Status {
	case CheckpointApproved, CheckpointRejected, CheckpointModified, CheckpointExpired, CheckpointCancelled:
		return true
	default:
		return false
	}
}
