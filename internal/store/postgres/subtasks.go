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

// CreateSubtask inserts a new subtask row, derived from a TASK/DIRECTOR
// node.
func (s *Store) CreateSubtask(ctx context.Context, st *model.Subtask) error {
	start := time.Now()
	defer s.timeWrite(ctx, "create_subtask", start)

	dependsJSON, _ := json.Marshal(st.DependsOn)
	outputJSON, _ := json.Marshal(st.Output)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subtasks (id, workflow_id, node_id, name, description, recommended_tool, privacy,
			depends_on, priority, complexity, status, progress, assigned_worker, output, error,
			timeout_seconds, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, st.ID, st.WorkflowID, st.NodeID, st.Name, st.Description, st.RecommendedTool, st.Privacy,
		dependsJSON, st.Priority, st.Complexity, string(st.Status), st.Progress, st.AssignedWorker,
		outputJSON, st.Error, int(st.Timeout.Seconds()), st.Version, st.CreatedAt, st.UpdatedAt)
	return wrapError("create_subtask", "subtask", err)
}

// GetSubtask fetches a single subtask.
func (s *Store) GetSubtask(ctx context.Context, id uuid.UUID) (*model.Subtask, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_subtask", start)

	row := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, node_id, name, description, recommended_tool, privacy, depends_on,
			priority, complexity, status, progress, assigned_worker, output, error, timeout_seconds,
			version, created_at, updated_at
		FROM subtasks WHERE id = $1
	`, id)
	return scanSubtask(row)
}

// UpdateSubtask writes back a subtask's mutable fields under optimistic
// concurrency — the mechanism backing the allocator's commit/release
// protocol and the at-most-once assignment invariant.
func (s *Store) UpdateSubtask(ctx context.Context, st *model.Subtask) error {
	start := time.Now()
	defer s.timeWrite(ctx, "update_subtask", start)

	outputJSON, _ := json.Marshal(st.Output)
	newVersion := st.Version + 1
	tag, err := s.pool.Exec(ctx, `
		UPDATE subtasks SET status=$1, progress=$2, assigned_worker=$3, output=$4, error=$5,
			version=$6, updated_at=$7
		WHERE id=$8 AND version=$9
	`, string(st.Status), st.Progress, st.AssignedWorker, outputJSON, st.Error, newVersion,
		time.Now(), st.ID, st.Version)
	if err != nil {
		return wrapError("update_subtask", "subtask", err)
	}
	if tag.RowsAffected() == 0 {
		return kinderr.Conflict("update_subtask", "subtask", nil)
	}
	st.Version = newVersion
	return nil
}

// ListReadySubtasks returns pending subtasks of a workflow whose
// dependencies have all completed, sorted by descending priority then
// ascending creation time, the order the allocation cycle consumes them in.
func (s *Store) ListReadySubtasks(ctx context.Context, workflowID uuid.UUID) ([]*model.Subtask, error) {
	all, err := s.ListSubtasksByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	completed := make(map[uuid.UUID]bool, len(all))
	for _, st := range all {
		if st.Status == model.SubtaskCompleted {
			completed[st.ID] = true
		}
	}
	var ready []*model.Subtask
	for _, st := range all {
		if st.ReadyGivenCompleted(completed) {
			ready = append(ready, st)
		}
	}
	sortSubtasksByPriorityThenAge(ready)
	return ready, nil
}

func sortSubtasksByPriorityThenAge(subtasks []*model.Subtask) {
	for i := 1; i < len(subtasks); i++ {
		j := i
		for j > 0 && less(subtasks[j], subtasks[j-1]) {
			subtasks[j], subtasks[j-1] = subtasks[j-1], subtasks[j]
			j--
		}
	}
}

func less(a, b *model.Subtask) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ListSubtasksByWorkflow returns every subtask of a workflow.
func (s *Store) ListSubtasksByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*model.Subtask, error) {
	start := time.Now()
	defer s.timeRead(ctx, "list_subtasks", start)

	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, node_id, name, description, recommended_tool, privacy, depends_on,
			priority, complexity, status, progress, assigned_worker, output, error, timeout_seconds,
			version, created_at, updated_at
		FROM subtasks WHERE workflow_id = $1
	`, workflowID)
	if err != nil {
		return nil, wrapError("list_subtasks", "subtask", err)
	}
	defer rows.Close()

	var out []*model.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, wrapError("list_subtasks", "subtask", rows.Err())
}

func scanSubtask(row pgx.Row) (*model.Subtask, error) {
	var st model.Subtask
	var status string
	var dependsJSON, outputJSON []byte
	var timeoutSeconds int
	err := row.Scan(&st.ID, &st.WorkflowID, &st.NodeID, &st.Name, &st.Description, &st.RecommendedTool,
		&st.Privacy, &dependsJSON, &st.Priority, &st.Complexity, &status, &st.Progress, &st.AssignedWorker,
		&outputJSON, &st.Error, &timeoutSeconds, &st.Version, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, wrapError("get_subtask", "subtask", err)
	}
	st.Status = model.SubtaskStatus(status)
	st.Timeout = time.Duration(timeoutSeconds) * time.Second
	_ = json.Unmarshal(dependsJSON, &st.DependsOn)
	_ = json.Unmarshal(outputJSON, &st.Output)
	return &st, nil
}
