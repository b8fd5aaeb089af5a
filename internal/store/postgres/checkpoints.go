package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/model"
)

// CreateCheckpoint inserts a new review checkpoint, created when a
// HUMAN-REVIEW node is reached.
func (s *Store) CreateCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	start := time.Now()
	defer s.timeWrite(ctx, "create_checkpoint", start)

	inputJSON, _ := json.Marshal(c.Input)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, workflow_id, node_id, input, status, urgency, expires_at,
			assignee, decision, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, c.ID, c.WorkflowID, c.NodeID, inputJSON, string(c.Status), string(c.Urgency), c.ExpiresAt,
		c.Assignee, nil, c.Version, c.CreatedAt, c.UpdatedAt)
	return wrapError("create_checkpoint", "checkpoint", err)
}

// GetCheckpoint fetches a single checkpoint.
func (s *Store) GetCheckpoint(ctx context.Context, id uuid.UUID) (*model.Checkpoint, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_checkpoint", start)

	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, node_id, input, status, urgency, expires_at, assignee, decision,
			version, created_at, updated_at
		FROM checkpoints WHERE id = $1
	`, id)
	return scanCheckpoint(row)
}

// UpdateCheckpoint writes back a checkpoint's decision/status under
// optimistic concurrency.
func (s *Store) UpdateCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	start := time.Now()
	defer s.timeWrite(ctx, "update_checkpoint", start)

	var decisionJSON []byte
	if c.Decision != nil {
		decisionJSON, _ = json.Marshal(c.Decision)
	}
	newVersion := c.Version + 1
	tag, err := s.pool.Exec(ctx, `
		UPDATE checkpoints SET status=$1, decision=$2, version=$3, updated_at=$4
		WHERE id=$5 AND version=$6
	`, string(c.Status), decisionJSON, newVersion, time.Now(), c.ID, c.Version)
	if err != nil {
		return wrapError("update_checkpoint", "checkpoint", err)
	}
	if tag.RowsAffected() == 0 {
		return kinderr.Conflict("update_checkpoint", "checkpoint", nil)
	}
	c.Version = newVersion
	return nil
}

// ListExpiredCheckpoints returns pending checkpoints whose deadline has
// passed as of asOf, for the reaper's expiry sweep.
func (s *Store) ListExpiredCheckpoints(ctx context.Context, asOf time.Time) ([]*model.Checkpoint, error) {
	start := time.Now()
	defer s.timeRead(ctx, "list_expired_checkpoints", start)

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, node_id, input, status, urgency, expires_at, assignee, decision,
			version, created_at, updated_at
		FROM checkpoints WHERE status = 'pending' AND expires_at < $1
	`, asOf)
	if err != nil {
		return nil, wrapError("list_expired_checkpoints", "checkpoint", err)
	}
	defer rows.Close()

	var out []*model.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, wrapError("list_expired_checkpoints", "checkpoint", rows.Err())
}

// ListPendingCheckpointsByWorkflow returns a workflow's still-open
// checkpoints, used to cascade a workflow-level cancel onto its paused
// reviews.
func (s *Store) ListPendingCheckpointsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*model.Checkpoint, error) {
	start := time.Now()
	defer s.timeRead(ctx, "list_pending_checkpoints_by_workflow", start)

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, node_id, input, status, urgency, expires_at, assignee, decision,
			version, created_at, updated_at
		FROM checkpoints WHERE workflow_id = $1 AND status = 'pending'
	`, workflowID)
	if err != nil {
		return nil, wrapError("list_pending_checkpoints_by_workflow", "checkpoint", err)
	}
	defer rows.Close()

	var out []*model.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, wrapError("list_pending_checkpoints_by_workflow", "checkpoint", rows.Err())
}

func scanCheckpoint(row pgx.Row) (*model.Checkpoint, error) {
	var c model.Checkpoint
	var status, urgency string
	var inputJSON, decisionJSON []byte
	err := row.Scan(&c.ID, &c.WorkflowID, &c.NodeID, &inputJSON, &status, &urgency, &c.ExpiresAt,
		&c.Assignee, &decisionJSON, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, wrapError("get_checkpoint", "checkpoint", err)
	}
	c.Status = model.CheckpointStatus(status)
	c.Urgency = model.Urgency(urgency)
	_ = json.Unmarshal(inputJSON, &c.Input)
	if len(decisionJSON) > 0 {
		var d model.Decision
		if err := json.Unmarshal(decisionJSON, &d); err == nil {
			c.Decision = &d
		}
	}
	return &c, nil
}
