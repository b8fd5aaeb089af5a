// Package store defines the durable-store and KV-store interfaces the rest
// of the orchestrator programs against. Concrete implementations live in
// store/postgres, store/redis and store/memory.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/model"
)

// Durable is the source-of-truth relational store: workflows, nodes, edges,
// subtasks, workers and checkpoints, all with optimistic-concurrency
// updates keyed on the row's version column.
type Durable interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *model.Workflow, nodes []*model.Node, edges []*model.Edge) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*model.Workflow, error)
	GetWorkflowTemplate(ctx context.Context, templateName string) (*model.Workflow, []*model.Node, []*model.Edge, error)
	UpdateWorkflow(ctx context.Context, wf *model.Workflow) error
	ArchiveTemplate(ctx context.Context, wf *model.Workflow) error

	// Nodes & edges
	ListNodes(ctx context.Context, workflowID uuid.UUID) ([]*model.Node, error)
	ListEdges(ctx context.Context, workflowID uuid.UUID) ([]*model.Edge, error)
	GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error)
	UpdateNode(ctx context.Context, n *model.Node) error
	AppendNodesAndEdges(ctx context.Context, workflowID uuid.UUID, nodes []*model.Node, edges []*model.Edge) error

	// Subtasks
	CreateSubtask(ctx context.Context, s *model.Subtask) error
	GetSubtask(ctx context.Context, id uuid.UUID) (*model.Subtask, error)
	UpdateSubtask(ctx context.Context, s *model.Subtask) error
	ListReadySubtasks(ctx context.Context, workflowID uuid.UUID) ([]*model.Subtask, error)
	ListSubtasksByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*model.Subtask, error)

	// Workers
	UpsertWorker(ctx context.Context, w *model.Worker) error
	GetWorker(ctx context.Context, id uuid.UUID) (*model.Worker, error)
	GetWorkerByMachineID(ctx context.Context, machineID string) (*model.Worker, error)
	// GetWorkerByAPIKeyID resolves a worker purely from the key-id prefix
	// presented at handshake time (see internal/workerauth.IssuedKey.ID),
	// without requiring the caller to know the worker's machine id.
	GetWorkerByAPIKeyID(ctx context.Context, keyID string) (*model.Worker, error)
	UpdateWorker(ctx context.Context, w *model.Worker) error
	ListIdleWorkers(ctx context.Context) ([]*model.Worker, error)
	ListStaleWorkers(ctx context.Context, olderThan time.Time) ([]*model.Worker, error)

	// DeleteWorker removes a worker row by explicit operator action. Any
	// subtask it still holds in-progress is reverted to pending in the
	// same transaction, mirroring RecoverDeadWorker's reconciliation so
	// no subtask is left pointing at a worker id that no longer exists.
	DeleteWorker(ctx context.Context, workerID uuid.UUID) error

	// RecoverDeadWorker marks workerID offline and, in the same
	// transaction, returns every subtask it held in-progress back to
	// pending with assigned_worker cleared and its recovery counter
	// bumped. It reports the recovered subtask ids so the caller can
	// re-enqueue them in the KV store.
	RecoverDeadWorker(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error)

	// CommitAssignment is the allocator's commit protocol: reload both
	// rows, abort with kinderr.Conflict if the subtask is no longer
	// pending or the worker no longer idle/online, otherwise transition
	// subtask→in-progress/assigned and worker→busy in one transaction.
	CommitAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error

	// ReleaseAssignment is the allocator's release path: subtask back to
	// pending with assigned_worker cleared, worker back to idle if it is
	// currently busy with this subtask, in one transaction.
	ReleaseAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error

	// Checkpoints
	CreateCheckpoint(ctx context.Context, c *model.Checkpoint) error
	GetCheckpoint(ctx context.Context, id uuid.UUID) (*model.Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, c *model.Checkpoint) error
	ListExpiredCheckpoints(ctx context.Context, asOf time.Time) ([]*model.Checkpoint, error)
	ListPendingCheckpointsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*model.Checkpoint, error)

	// Schedules
	CreateSchedule(ctx context.Context, sch *Schedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	ListSchedules(ctx context.Context) ([]*Schedule, error)

	Close()
}

// Schedule is a persisted Workflow Scheduler entry.
type Schedule struct {
	ID            uuid.UUID `json:"id"`
	CronExpr      string    `json:"cron_expr"`
	TemplateName  string    `json:"template_name"`
	MaxConcurrent int       `json:"max_concurrent"`
	CreatedAt     time.Time `json:"created_at"`
}

// KV is the ephemeral state store: worker liveness/current-task, the
// subtask queue, and the review-checkpoint indexes. Losses are tolerated;
// everything here is re-derivable from Durable.
type KV interface {
	SetWorkerCurrentTask(ctx context.Context, workerID, subtaskID uuid.UUID, ttl time.Duration) error
	ClearWorkerCurrentTask(ctx context.Context, workerID uuid.UUID) error
	GetWorkerCurrentTask(ctx context.Context, workerID uuid.UUID) (uuid.UUID, bool, error)

	SetWorkerStatus(ctx context.Context, workerID uuid.UUID, status model.WorkerStatus) error

	EnqueueSubtask(ctx context.Context, subtaskID uuid.UUID) error
	DequeueAllSubtasks(ctx context.Context) ([]uuid.UUID, error)
	RemoveQueuedSubtask(ctx context.Context, subtaskID uuid.UUID) error

	MarkInProgress(ctx context.Context, subtaskID uuid.UUID) error
	ClearInProgress(ctx context.Context, subtaskID uuid.UUID) error
	IsInProgress(ctx context.Context, subtaskID uuid.UUID) (bool, error)

	PutReviewRequest(ctx context.Context, checkpointID uuid.UUID, c *model.Checkpoint) error
	RemoveReviewRequest(ctx context.Context, checkpointID uuid.UUID) error
	EnqueueReview(ctx context.Context, checkpointID uuid.UUID, createdAt time.Time) error
	EnqueueReviewForUser(ctx context.Context, userID string, checkpointID uuid.UUID, createdAt time.Time) error
	DequeueReview(ctx context.Context, checkpointID uuid.UUID) error
	DequeueReviewForUser(ctx context.Context, userID string, checkpointID uuid.UUID) error
	ListReviewQueue(ctx context.Context) ([]uuid.UUID, error)
	ListReviewQueueForUser(ctx context.Context, userID string) ([]uuid.UUID, error)

	// Blacklist support for internal/workerauth.
	BlacklistKey(ctx context.Context, keyID string) error
	IsBlacklisted(ctx context.Context, keyID string) (bool, error)

	Close() error
}
