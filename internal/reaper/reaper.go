// Package reaper sweeps worker heartbeat silence into recovered subtasks
// and expires stale review checkpoints.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/wsproto"
)

// Config controls sweep cadence and the stale/dead liveness thresholds.
// Defaults: 30s interval, 2min stale, 5min dead.
type Config struct {
	Interval      time.Duration
	StaleAfter    time.Duration
	DeadAfter     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:   30 * time.Second,
		StaleAfter: 2 * time.Minute,
		DeadAfter:  5 * time.Minute,
	}
}

// Reaper periodically marks silent workers offline, recovers their
// in-progress subtasks, and expires review checkpoints past their
// deadline.
type Reaper struct {
	cfg     Config
	durable store.Durable
	kv      store.KV
	conns   *connmgr.Manager
	log     *slog.Logger

	workersReaped      metric.Int64Counter
	checkpointsExpired metric.Int64Counter
}

func New(cfg Config, durable store.Durable, kv store.KV, conns *connmgr.Manager, log *slog.Logger,
	workersReaped, checkpointsExpired metric.Int64Counter) *Reaper {
	return &Reaper{
		cfg:                cfg,
		durable:            durable,
		kv:                 kv,
		conns:              conns,
		log:                log,
		workersReaped:      workersReaped,
		checkpointsExpired: checkpointsExpired,
	}
}

// Run blocks, sweeping at cfg.Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	now := time.Now()
	r.sweepWorkers(ctx, now)
	r.sweepCheckpoints(ctx, now)
}

func (r *Reaper) sweepWorkers(ctx context.Context, now time.Time) {
	stale, err := r.durable.ListStaleWorkers(ctx, now.Add(-r.cfg.StaleAfter))
	if err != nil {
		r.log.Error("reaper: list stale workers failed", "error", err)
		return
	}

	for _, w := range stale {
		age := now.Sub(w.LastHeartbeat)
		if age < r.cfg.DeadAfter {
			if r.conns.IsConnected(w.ID) {
				r.log.Warn("worker heartbeat stale but connection still live", "worker_id", w.ID, "age", age)
				continue
			}
			r.log.Warn("worker heartbeat stale", "worker_id", w.ID, "age", age)
			continue
		}

		r.reapDeadWorker(ctx, w.ID)
	}
}

func (r *Reaper) reapDeadWorker(ctx context.Context, workerID uuid.UUID) {
	r.conns.Disconnect(workerID, wsproto.CloseServerError, "worker marked dead")

	recovered, err := r.durable.RecoverDeadWorker(ctx, workerID)
	if err != nil {
		r.log.Error("reaper: recover dead worker failed", "worker_id", workerID, "error", err)
		return
	}

	if err := r.kv.SetWorkerStatus(ctx, workerID, model.WorkerOffline); err != nil {
		r.log.Warn("reaper: clear worker status in kv failed", "worker_id", workerID, "error", err)
	}
	if err := r.kv.ClearWorkerCurrentTask(ctx, workerID); err != nil {
		r.log.Warn("reaper: clear worker current task in kv failed", "worker_id", workerID, "error", err)
	}

	for _, subtaskID := range recovered {
		if err := r.kv.ClearInProgress(ctx, subtaskID); err != nil {
			r.log.Warn("reaper: clear in-progress flag failed", "subtask_id", subtaskID, "error", err)
		}
		if err := r.kv.EnqueueSubtask(ctx, subtaskID); err != nil {
			r.log.Warn("reaper: re-enqueue recovered subtask failed", "subtask_id", subtaskID, "error", err)
		}
	}

	if r.workersReaped != nil {
		r.workersReaped.Add(ctx, 1)
	}
	r.log.Info("worker reaped", "worker_id", workerID, "recovered_subtasks", len(recovered))
}

func (r *Reaper) sweepCheckpoints(ctx context.Context, now time.Time) {
	expired, err := r.durable.ListExpiredCheckpoints(ctx, now)
	if err != nil {
		r.log.Error("reaper: list expired checkpoints failed", "error", err)
		return
	}

	for _, c := range expired {
		c.Status = model.CheckpointExpired
		if err := r.durable.UpdateCheckpoint(ctx, c); err != nil {
			r.log.Warn("reaper: expire checkpoint failed", "checkpoint_id", c.ID, "error", err)
			continue
		}
		if err := r.kv.RemoveReviewRequest(ctx, c.ID); err != nil {
			r.log.Warn("reaper: remove expired review request from kv failed", "checkpoint_id", c.ID, "error", err)
		}
		if err := r.kv.DequeueReview(ctx, c.ID); err != nil {
			r.log.Warn("reaper: dequeue expired review failed", "checkpoint_id", c.ID, "error", err)
		}
		if c.Assignee != nil {
			if err := r.kv.DequeueReviewForUser(ctx, *c.Assignee, c.ID); err != nil {
				r.log.Warn("reaper: dequeue expired review for user failed", "checkpoint_id", c.ID, "error", err)
			}
		}
		if r.checkpointsExpired != nil {
			r.checkpointsExpired.Add(ctx, 1)
		}
		r.log.Info("review checkpoint expired", "checkpoint_id", c.ID, "workflow_id", c.WorkflowID)
	}
}
