package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/executor"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/wsproto"
)

// frameHandler builds the connmgr.Handler that fans an inbound worker
// frame out to the durable store (liveness/registration bookkeeping)
// and the executor (task lifecycle events). engine is taken by pointer
// since the manager that owns this handler is constructed before the
// engine it depends on.
func frameHandler(engine **executor.Engine, durable store.Durable, log *slog.Logger) connmgr.Handler {
	return func(ctx context.Context, workerID uuid.UUID, frame wsproto.Frame) {
		switch frame.Type {
		case wsproto.TypeRegister:
			handleRegister(ctx, durable, log, workerID, frame)
		case wsproto.TypeHeartbeat:
			handleHeartbeat(ctx, durable, log, workerID, frame)
		case wsproto.TypeTaskProgress:
			handleTaskProgress(ctx, *engine, log, frame)
		case wsproto.TypeTaskResult:
			handleTaskResult(ctx, *engine, log, frame)
		case wsproto.TypeTaskFailed:
			handleTaskFailed(ctx, *engine, log, frame)
		case wsproto.TypeTaskRejected:
			handleTaskRejected(ctx, *engine, log, frame)
		default:
			log.Warn("unrecognized worker frame type", "worker_id", workerID, "type", frame.Type)
		}
	}
}

func handleRegister(ctx context.Context, durable store.Durable, log *slog.Logger, workerID uuid.UUID, frame wsproto.Frame) {
	var data wsproto.RegisterData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		log.Warn("malformed register frame", "worker_id", workerID, "error", err)
		return
	}
	w, err := durable.GetWorker(ctx, workerID)
	if err != nil {
		log.Warn("register frame for unknown worker", "worker_id", workerID, "error", err)
		return
	}
	w.DisplayName = data.MachineName
	w.Tools = data.Tools
	w.Status = model.WorkerIdle
	w.LastHeartbeat = time.Now()
	if err := durable.UpdateWorker(ctx, w); err != nil {
		log.Warn("failed to persist worker registration", "worker_id", workerID, "error", err)
	}
}

func handleHeartbeat(ctx context.Context, durable store.Durable, log *slog.Logger, workerID uuid.UUID, frame wsproto.Frame) {
	var data wsproto.HeartbeatData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		log.Warn("malformed heartbeat frame", "worker_id", workerID, "error", err)
		return
	}
	w, err := durable.GetWorker(ctx, workerID)
	if err != nil {
		log.Warn("heartbeat for unknown worker", "worker_id", workerID, "error", err)
		return
	}
	w.LastHeartbeat = time.Now()
	w.Metrics = model.ResourceMetrics{CPUPercent: data.CPUPercent, MemoryPercent: data.MemoryPercent, DiskPercent: data.DiskPercent}
	if w.Status == model.WorkerOffline {
		w.Status = model.WorkerIdle
	}
	if err := durable.UpdateWorker(ctx, w); err != nil {
		log.Warn("failed to persist worker heartbeat", "worker_id", workerID, "error", err)
	}
}

func handleTaskProgress(ctx context.Context, engine *executor.Engine, log *slog.Logger, frame wsproto.Frame) {
	var data wsproto.TaskProgressData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		log.Warn("malformed task_progress frame", "error", err)
		return
	}
	subtaskID, err := uuid.Parse(data.TaskID)
	if err != nil {
		log.Warn("task_progress frame with invalid task id", "task_id", data.TaskID, "error", err)
		return
	}
	if err := engine.HandleSubtaskProgress(ctx, subtaskID, data.Progress, data.Message); err != nil {
		log.Warn("failed to apply task progress", "subtask_id", subtaskID, "error", err)
	}
}

func handleTaskResult(ctx context.Context, engine *executor.Engine, log *slog.Logger, frame wsproto.Frame) {
	var data wsproto.TaskResultData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		log.Warn("malformed task_result frame", "error", err)
		return
	}
	subtaskID, err := uuid.Parse(data.TaskID)
	if err != nil {
		log.Warn("task_result frame with invalid task id", "task_id", data.TaskID, "error", err)
		return
	}
	if err := engine.HandleSubtaskResult(ctx, subtaskID, data.Result.Output, ""); err != nil {
		log.Warn("failed to apply task result", "subtask_id", subtaskID, "error", err)
	}
}

func handleTaskFailed(ctx context.Context, engine *executor.Engine, log *slog.Logger, frame wsproto.Frame) {
	var data wsproto.TaskFailedData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		log.Warn("malformed task_failed frame", "error", err)
		return
	}
	subtaskID, err := uuid.Parse(data.TaskID)
	if err != nil {
		log.Warn("task_failed frame with invalid task id", "task_id", data.TaskID, "error", err)
		return
	}
	if err := engine.HandleSubtaskResult(ctx, subtaskID, nil, data.Error); err != nil {
		log.Warn("failed to apply task failure", "subtask_id", subtaskID, "error", err)
	}
}

// handleTaskRejected maps a worker's rejection onto the same retryable
// failure path a timeout takes, since isRetryable keys off this exact
// "task_rejected" string.
func handleTaskRejected(ctx context.Context, engine *executor.Engine, log *slog.Logger, frame wsproto.Frame) {
	var data wsproto.TaskRejectedData
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		log.Warn("malformed task_rejected frame", "error", err)
		return
	}
	subtaskID, err := uuid.Parse(data.TaskID)
	if err != nil {
		log.Warn("task_rejected frame with invalid task id", "task_id", data.TaskID, "error", err)
		return
	}
	if err := engine.HandleSubtaskResult(ctx, subtaskID, nil, "task_rejected"); err != nil {
		log.Warn("failed to apply task rejection", "subtask_id", subtaskID, "reason", data.Reason, "error", err)
	}
}
