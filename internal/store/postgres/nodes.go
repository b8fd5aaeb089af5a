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

func insertNode(ctx context.Context, tx pgx.Tx, n *model.Node) error {
	configJSON, _ := json.Marshal(n.Config)
	inputJSON, _ := json.Marshal(n.Input)
	outputJSON, _ := json.Marshal(n.Output)
	policyJSON, _ := json.Marshal(n.RetryPolicy)
	_, err := tx.Exec(ctx, `
		INSERT INTO nodes (id, workflow_id, name, kind, status, config, input, output,
			retry_count, retry_policy, subtask_id, loop_iteration, error, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, n.ID, n.WorkflowID, n.Name, string(n.Kind), string(n.Status), configJSON, inputJSON, outputJSON,
		n.RetryCount, policyJSON, n.SubtaskID, n.LoopIteration, n.Error, n.Version, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return wrapError("create_node", "node", err)
	}
	return nil
}

func insertEdge(ctx context.Context, tx pgx.Tx, e *model.Edge) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO edges (id, workflow_id, from_node, to_node, condition, label, is_back_edge)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.WorkflowID, e.From, e.To, e.Condition, e.Label, e.IsBackEdge)
	if err != nil {
		return wrapError("create_edge", "edge", err)
	}
	return nil
}

// ListNodes returns every node belonging to a workflow.
func (s *Store) ListNodes(ctx context.Context, workflowID uuid.UUID) ([]*model.Node, error) {
	start := time.Now()
	defer s.timeRead(ctx, "list_nodes", start)

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, name, kind, status, config, input, output, retry_count,
			retry_policy, subtask_id, loop_iteration, error, version, created_at, updated_at
		FROM nodes WHERE workflow_id = $1
	`, workflowID)
	if err != nil {
		return nil, wrapError("list_nodes", "node", err)
	}
	defer rows.Close()

	var out []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, wrapError("list_nodes", "node", rows.Err())
}

// ListEdges returns every edge belonging to a workflow.
func (s *Store) ListEdges(ctx context.Context, workflowID uuid.UUID) ([]*model.Edge, error) {
	start := time.Now()
	defer s.timeRead(ctx, "list_edges", start)

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, from_node, to_node, condition, label, is_back_edge
		FROM edges WHERE workflow_id = $1
	`, workflowID)
	if err != nil {
		return nil, wrapError("list_edges", "edge", err)
	}
	defer rows.Close()

	var out []*model.Edge
	for rows.Next() {
		var e model.Edge
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.From, &e.To, &e.Condition, &e.Label, &e.IsBackEdge); err != nil {
			return nil, wrapError("list_edges", "edge", err)
		}
		out = append(out, &e)
	}
	return out, wrapError("list_edges", "edge", rows.Err())
}

// GetNode fetches a single node.
func (s *Store) GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_node", start)

	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, name, kind, status, config, input, output, retry_count,
			retry_policy, subtask_id, loop_iteration, error, version, created_at, updated_at
		FROM nodes WHERE id = $1
	`, id)
	return scanNode(row)
}

// UpdateNode writes back a node's mutable fields under optimistic
// concurrency.
func (s *Store) UpdateNode(ctx context.Context, n *model.Node) error {
	start := time.Now()
	defer s.timeWrite(ctx, "update_node", start)

	inputJSON, _ := json.Marshal(n.Input)
	outputJSON, _ := json.Marshal(n.Output)
	newVersion := n.Version + 1
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes SET status=$1, input=$2, output=$3, retry_count=$4, subtask_id=$5,
			loop_iteration=$6, error=$7, version=$8, updated_at=$9
		WHERE id=$10 AND version=$11
	`, string(n.Status), inputJSON, outputJSON, n.RetryCount, n.SubtaskID, n.LoopIteration,
		n.Error, newVersion, time.Now(), n.ID, n.Version)
	if err != nil {
		return wrapError("update_node", "node", err)
	}
	if tag.RowsAffected() == 0 {
		return kinderr.Conflict("update_node", "node", nil)
	}
	n.Version = newVersion
	return nil
}

// AppendNodesAndEdges adds DIRECTOR-produced (or SUBFLOW-materialized)
// nodes/edges to an existing workflow's graph and bumps its total-node
// counter, in one transaction.
func (s *Store) AppendNodesAndEdges(ctx context.Context, workflowID uuid.UUID, nodes []*model.Node, edges []*model.Edge) error {
	start := time.Now()
	defer s.timeWrite(ctx, "append_nodes_edges", start)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapError("append_nodes_edges", "workflow", err)
	}
	defer tx.Rollback(ctx)

	for _, n := range nodes {
		if err := insertNode(ctx, tx, n); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if err := insertEdge(ctx, tx, e); err != nil {
			return err
		}
	}
	if len(nodes) > 0 {
		_, err = tx.Exec(ctx, `UPDATE workflows SET total_nodes = total_nodes + $1, updated_at = $2 WHERE id = $3`,
			len(nodes), time.Now(), workflowID)
		if err != nil {
			return wrapError("append_nodes_edges", "workflow", err)
		}
	}
	return wrapError("append_nodes_edges", "workflow", tx.Commit(ctx))
}

func scanNode(row pgx.Row) (*model.Node, error) {
	var n model.Node
	var kind, status string
	var configJSON, inputJSON, outputJSON, policyJSON []byte
	err := row.Scan(&n.ID, &n.WorkflowID, &n.Name, &kind, &status, &configJSON, &inputJSON, &outputJSON,
		&n.RetryCount, &policyJSON, &n.SubtaskID, &n.LoopIteration, &n.Error, &n.Version, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, wrapError("get_node", "node", err)
	}
	n.Kind = model.NodeKind(kind)
	n.Status = model.NodeStatus(status)
	_ = json.Unmarshal(configJSON, &n.Config)
	_ = json.Unmarshal(inputJSON, &n.Input)
	_ = json.Unmarshal(outputJSON, &n.Output)
	_ = json.Unmarshal(policyJSON, &n.RetryPolicy)
	return &n, nil
}
