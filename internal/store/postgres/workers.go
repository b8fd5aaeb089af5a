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

// UpsertWorker inserts a new worker row or, if machine_id already exists,
// updates it in place — the "register on first contact" lifecycle rule,
// keeping the same worker id across reconnects with the same machine id.
func (s *Store) UpsertWorker(ctx context.Context, w *model.Worker) error {
	start := time.Now()
	defer s.timeWrite(ctx, "upsert_worker", start)

	toolsJSON, _ := json.Marshal(w.Tools)
	metricsJSON, _ := json.Marshal(w.Metrics)
	systemJSON, _ := json.Marshal(w.System)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, machine_id, display_name, tools, status, last_heartbeat, metrics,
			system_info, api_key_id, api_key_hash, api_key_revoked, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (machine_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			tools = EXCLUDED.tools,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			system_info = EXCLUDED.system_info,
			api_key_id = EXCLUDED.api_key_id,
			api_key_hash = EXCLUDED.api_key_hash,
			api_key_revoked = EXCLUDED.api_key_revoked,
			updated_at = EXCLUDED.updated_at
	`, w.ID, w.MachineID, w.DisplayName, toolsJSON, string(w.Status), w.LastHeartbeat, metricsJSON,
		systemJSON, w.APIKeyID, w.APIKeyHash, w.APIKeyRevoked, w.Version, w.CreatedAt, w.UpdatedAt)
	return wrapError("upsert_worker", "worker", err)
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_worker", start)

	row := s.pool.QueryRow(ctx, `
		SELECT id, machine_id, display_name, tools, status, last_heartbeat, metrics, system_info,
			api_key_id, api_key_hash, api_key_revoked, version, created_at, updated_at
		FROM workers WHERE id = $1
	`, id)
	return scanWorker(row)
}

// GetWorkerByMachineID supports the register round-trip law: same
// machine-id reconnecting resolves to the same worker-id.
func (s *Store) GetWorkerByMachineID(ctx context.Context, machineID string) (*model.Worker, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_worker_by_machine_id", start)

	row := s.pool.QueryRow(ctx, `
		SELECT id, machine_id, display_name, tools, status, last_heartbeat, metrics, system_info,
			api_key_id, api_key_hash, api_key_revoked, version, created_at, updated_at
		FROM workers WHERE machine_id = $1
	`, machineID)
	return scanWorker(row)
}

// GetWorkerByAPIKeyID resolves a worker from the key-id prefix presented
// at WebSocket handshake time, so the connecting client never needs to
// send its machine id up front.
func (s *Store) GetWorkerByAPIKeyID(ctx context.Context, keyID string) (*model.Worker, error) {
	start := time.Now()
	defer s.timeRead(ctx, "get_worker_by_api_key_id", start)

	row := s.pool.QueryRow(ctx, `
		SELECT id, machine_id, display_name, tools, status, last_heartbeat, metrics, system_info,
			api_key_id, api_key_hash, api_key_revoked, version, created_at, updated_at
		FROM workers WHERE api_key_id = $1
	`, keyID)
	return scanWorker(row)
}

// UpdateWorker writes back a worker's mutable fields under optimistic
// concurrency.
func (s *Store) UpdateWorker(ctx context.Context, w *model.Worker) error {
	start := time.Now()
	defer s.timeWrite(ctx, "update_worker", start)

	metricsJSON, _ := json.Marshal(w.Metrics)
	newVersion := w.Version + 1
	tag, err := s.pool.Exec(ctx, `
		UPDATE workers SET status=$1, last_heartbeat=$2, metrics=$3, api_key_revoked=$4,
			api_key_id=$5, api_key_hash=$6, version=$7, updated_at=$8
		WHERE id=$9 AND version=$10
	`, string(w.Status), w.LastHeartbeat, metricsJSON, w.APIKeyRevoked, w.APIKeyID, w.APIKeyHash,
		newVersion, time.Now(), w.ID, w.Version)
	if err != nil {
		return wrapError("update_worker", "worker", err)
	}
	if tag.RowsAffected() == 0 {
		return kinderr.Conflict("update_worker", "worker", nil)
	}
	w.Version = newVersion
	return nil
}

// ListIdleWorkers returns workers currently idle — registered, connected,
// holding no current subtask.
func (s *Store) ListIdleWorkers(ctx context.Context) ([]*model.Worker, error) {
	return s.listWorkersByStatus(ctx, model.WorkerIdle)
}

// ListStaleWorkers returns workers whose last heartbeat precedes olderThan,
// for the reaper sweep.
func (s *Store) ListStaleWorkers(ctx context.Context, olderThan time.Time) ([]*model.Worker, error) {
	start := time.Now()
	defer s.timeRead(ctx, "list_stale_workers", start)

	rows, err := s.pool.Query(ctx, `
		SELECT id, machine_id, display_name, tools, status, last_heartbeat, metrics, system_info,
			api_key_id, api_key_hash, api_key_revoked, version, created_at, updated_at
		FROM workers WHERE last_heartbeat < $1 AND status != 'offline'
	`, olderThan)
	if err != nil {
		return nil, wrapError("list_stale_workers", "worker", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// RecoverDeadWorker implements the reaper's single-transaction recovery:
// the worker goes offline and every subtask it held in-progress returns
// to pending with its recovery counter bumped, all or nothing.
func (s *Store) RecoverDeadWorker(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	start := time.Now()
	defer s.timeWrite(ctx, "recover_dead_worker", start)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapError("recover_dead_worker", "worker", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE workers SET status='offline', version=version+1, updated_at=$1 WHERE id=$2`,
		time.Now(), workerID); err != nil {
		return nil, wrapError("recover_dead_worker", "worker", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, output FROM subtasks WHERE assigned_worker = $1 AND status = 'in-progress'
	`, workerID)
	if err != nil {
		return nil, wrapError("recover_dead_worker", "subtask", err)
	}
	type held struct {
		id     uuid.UUID
		output []byte
	}
	var heldRows []held
	for rows.Next() {
		var h held
		if err := rows.Scan(&h.id, &h.output); err != nil {
			rows.Close()
			return nil, wrapError("recover_dead_worker", "subtask", err)
		}
		heldRows = append(heldRows, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapError("recover_dead_worker", "subtask", err)
	}

	recovered := make([]uuid.UUID, 0, len(heldRows))
	for _, h := range heldRows {
		var output map[string]any
		_ = json.Unmarshal(h.output, &output)
		if output == nil {
			output = map[string]any{}
		}
		count, _ := output["recovery_count"].(float64)
		output["recovery_count"] = count + 1
		outputJSON, _ := json.Marshal(output)

		if _, err := tx.Exec(ctx, `
			UPDATE subtasks SET status='pending', assigned_worker=NULL, output=$1, version=version+1, updated_at=$2
			WHERE id=$3
		`, outputJSON, time.Now(), h.id); err != nil {
			return nil, wrapError("recover_dead_worker", "subtask", err)
		}
		recovered = append(recovered, h.id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapError("recover_dead_worker", "worker", err)
	}
	return recovered, nil
}

// CommitAssignment implements the allocator's commit protocol atomically:
// both rows are reloaded inside the transaction, and either party no
// longer being in the expected state aborts the whole pairing.
func (s *Store) CommitAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error {
	start := time.Now()
	defer s.timeWrite(ctx, "commit_assignment", start)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapError("commit_assignment", "subtask", err)
	}
	defer tx.Rollback(ctx)

	var subtaskStatus string
	if err := tx.QueryRow(ctx, `SELECT status FROM subtasks WHERE id = $1 FOR UPDATE`, subtaskID).Scan(&subtaskStatus); err != nil {
		return wrapError("commit_assignment", "subtask", err)
	}
	if subtaskStatus != "pending" {
		return kinderr.Conflict("commit_assignment", "subtask", nil)
	}

	var workerStatus string
	if err := tx.QueryRow(ctx, `SELECT status FROM workers WHERE id = $1 FOR UPDATE`, workerID).Scan(&workerStatus); err != nil {
		return wrapError("commit_assignment", "worker", err)
	}
	if workerStatus != string(model.WorkerIdle) && workerStatus != string(model.WorkerOnline) {
		return kinderr.Conflict("commit_assignment", "worker", nil)
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE subtasks SET status='in-progress', assigned_worker=$1, version=version+1, updated_at=$2 WHERE id=$3
	`, workerID, now, subtaskID); err != nil {
		return wrapError("commit_assignment", "subtask", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workers SET status=$1, version=version+1, updated_at=$2 WHERE id=$3
	`, string(model.WorkerBusy), now, workerID); err != nil {
		return wrapError("commit_assignment", "worker", err)
	}

	return wrapError("commit_assignment", "subtask", tx.Commit(ctx))
}

// ReleaseAssignment reverses a commit: subtask back to pending, worker
// back to idle if it is still marked busy holding this subtask.
func (s *Store) ReleaseAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error {
	start := time.Now()
	defer s.timeWrite(ctx, "release_assignment", start)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapError("release_assignment", "subtask", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	if _, err := tx.Exec(ctx, `
		UPDATE subtasks SET status='pending', assigned_worker=NULL, version=version+1, updated_at=$1
		WHERE id=$2 AND assigned_worker=$3
	`, now, subtaskID, workerID); err != nil {
		return wrapError("release_assignment", "subtask", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE workers SET status=$1, version=version+1, updated_at=$2 WHERE id=$3 AND status=$4
	`, string(model.WorkerIdle), now, workerID, string(model.WorkerBusy)); err != nil {
		return wrapError("release_assignment", "worker", err)
	}

	return wrapError("release_assignment", "subtask", tx.Commit(ctx))
}

func (s *Store) listWorkersByStatus(ctx context.Context, status model.WorkerStatus) ([]*model.Worker, error) {
	start := time.Now()
	defer s.timeRead(ctx, "list_workers_by_status", start)

	rows, err := s.pool.Query(ctx, `
		SELECT id, machine_id, display_name, tools, status, last_heartbeat, metrics, system_info,
			api_key_id, api_key_hash, api_key_revoked, version, created_at, updated_at
		FROM workers WHERE status = $1
	`, string(status))
	if err != nil {
		return nil, wrapError("list_workers_by_status", "worker", err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// DeleteWorker removes a worker row by explicit operator action. Any
// subtask it still holds in-progress is reverted to pending first, the
// same reconciliation RecoverDeadWorker performs, since assigned_worker
// carries no foreign key back to workers and would otherwise dangle.
func (s *Store) DeleteWorker(ctx context.Context, workerID uuid.UUID) error {
	start := time.Now()
	defer s.timeWrite(ctx, "delete_worker", start)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapError("delete_worker", "worker", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE subtasks SET status='pending', assigned_worker=NULL, version=version+1, updated_at=$1
		WHERE assigned_worker = $2 AND status = 'in-progress'
	`, time.Now(), workerID); err != nil {
		return wrapError("delete_worker", "subtask", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM workers WHERE id = $1`, workerID)
	if err != nil {
		return wrapError("delete_worker", "worker", err)
	}
	if tag.RowsAffected() == 0 {
		return kinderr.NotFound("delete_worker", "worker", nil)
	}

	return wrapError("delete_worker", "worker", tx.Commit(ctx))
}

func scanWorkers(rows pgx.Rows) ([]*model.Worker, error) {
	var out []*model.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, wrapError("list_workers", "worker", rows.Err())
}

func scanWorker(row pgx.Row) (*model.Worker, error) {
	var w model.Worker
	var status string
	var toolsJSON, metricsJSON, systemJSON []byte
	err := row.Scan(&w.ID, &w.MachineID, &w.DisplayName, &toolsJSON, &status, &w.LastHeartbeat,
		&metricsJSON, &systemJSON, &w.APIKeyID, &w.APIKeyHash, &w.APIKeyRevoked, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, wrapError("get_worker", "worker", err)
	}
	w.Status = model.WorkerStatus(status)
	_ = json.Unmarshal(toolsJSON, &w.Tools)
	_ = json.Unmarshal(metricsJSON, &w.Metrics)
	_ = json.Unmarshal(systemJSON, &w.System)
	return &w, nil
}
