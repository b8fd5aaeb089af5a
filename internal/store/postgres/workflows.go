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

// CreateWorkflow inserts a workflow plus its initial nodes and edges in one
// transaction, rejecting the whole batch if any insert fails.
func (s *Store) CreateWorkflow(ctx context.Context, wf *model.Workflow, nodes []*model.Node, edges []*model.Edge) error {
	start := time.Now()
	defer s.timeWrite(ctx, "create_workflow", start)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapError("create_workflow", "workflow", err)
	}
	defer tx.Rollback(ctx)

	ctxJSON, _ := json.Marshal(wf.Context)
	metaJSON, _ := json.Marshal(wf.Metadata)
	_, err = tx.Exec(ctx, `
		INSERT INTO workflows (id, owner, name, type, status, context, total_nodes, completed_nodes,
			is_template, error, version, created_at, updated_at, started_at, completed_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, wf.ID, wf.Owner, wf.Name, string(wf.Type), string(wf.Status), ctxJSON, wf.TotalNodes,
		wf.CompletedNodes, wf.IsTemplate, wf.Error, wf.Version, wf.CreatedAt, wf.UpdatedAt,
		wf.StartedAt, wf.CompletedAt, metaJSON)
	if err != nil {
		return wrapError("create_workflow", "workflow", err)
	}

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

	if err := tx.Commit(ctx); err != nil {
		return wrapError("create_workflow", "workflow", err)
	}
	return nil
}

// GetWorkflow fetches a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*model.Workflow, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_workflow", start)

	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, name, type, status, context, total_nodes, completed_nodes,
			is_template, error, version, created_at, updated_at, started_at, completed_at, metadata
		FROM workflows WHERE id = $1
	`, id)
	return scanWorkflow(row)
}

// GetWorkflowTemplate fetches a template workflow and its graph by name, for
// SUBFLOW dispatch and the Scheduler.
func (s *Store) GetWorkflowTemplate(ctx context.Context, templateName string) (*model.Workflow, []*model.Node, []*model.Edge, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_workflow_template", start)

	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, name, type, status, context, total_nodes, completed_nodes,
			is_template, error, version, created_at, updated_at, started_at, completed_at, metadata
		FROM workflows WHERE name = $1 AND is_template = TRUE
	`, templateName)
	wf, err := scanWorkflow(row)
	if err != nil {
		return nil, nil, nil, err
	}
	nodes, err := s.ListNodes(ctx, wf.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	edges, err := s.ListEdges(ctx, wf.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	return wf, nodes, edges, nil
}

// UpdateWorkflow writes back a workflow, enforcing optimistic concurrency
// on version.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	start := time.Now()
	defer s.timeWrite(ctx, "update_workflow", start)

	ctxJSON, _ := json.Marshal(wf.Context)
	metaJSON, _ := json.Marshal(wf.Metadata)
	newVersion := wf.Version + 1
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflows SET status=$1, context=$2, total_nodes=$3, completed_nodes=$4,
			error=$5, version=$6, updated_at=$7, started_at=$8, completed_at=$9, metadata=$10
		WHERE id=$11 AND version=$12
	`, string(wf.Status), ctxJSON, wf.TotalNodes, wf.CompletedNodes, wf.Error, newVersion,
		time.Now(), wf.StartedAt, wf.CompletedAt, metaJSON, wf.ID, wf.Version)
	if err != nil {
		return wrapError("update_workflow", "workflow", err)
	}
	if tag.RowsAffected() == 0 {
		return kinderr.Conflict("update_workflow", "workflow", nil)
	}
	wf.Version = newVersion
	return nil
}

// ArchiveTemplate snapshots the current definition of a template workflow
// before it is overwritten, so in-flight SUBFLOW instantiations keep
// running against the version they started with.
func (s *Store) ArchiveTemplate(ctx context.Context, wf *model.Workflow) error {
	nodes, err := s.ListNodes(ctx, wf.ID)
	if err != nil {
		return err
	}
	edges, err := s.ListEdges(ctx, wf.ID)
	if err != nil {
		return err
	}
	snapshot := struct {
		Workflow *model.Workflow `json:"workflow"`
		Nodes    []*model.Node   `json:"nodes"`
		Edges    []*model.Edge   `json:"edges"`
	}{wf, nodes, edges}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return kinderr.Internal("archive_template", "workflow", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_template_archive (id, workflow_id, definition, archived_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), wf.ID, data, time.Now())
	return wrapError("archive_template", "workflow", err)
}

func scanWorkflow(row pgx.Row) (*model.Workflow, error) {
	var wf model.Workflow
	var ctxJSON, metaJSON []byte
	var typ, status string
	err := row.Scan(&wf.ID, &wf.Owner, &wf.Name, &typ, &status, &ctxJSON, &wf.TotalNodes,
		&wf.CompletedNodes, &wf.IsTemplate, &wf.Error, &wf.Version, &wf.CreatedAt, &wf.UpdatedAt,
		&wf.StartedAt, &wf.CompletedAt, &metaJSON)
	if err != nil {
		return nil, wrapError("get_workflow", "workflow", err)
	}
	wf.Type = model.WorkflowType(typ)
	wf.Status = model.WorkflowStatus(status)
	_ = json.Unmarshal(ctxJSON, &wf.Context)
	_ = json.Unmarshal(metaJSON, &wf.Metadata)
	return &wf, nil
}
