// Package allocator pairs ready subtasks with idle workers: weighted
// scoring, greedy matching by descending priority, and a commit/release
// protocol enforcing the at-most-once assignment invariant.
package allocator

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/resilience"
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/wsproto"
)

// Weights controls the contribution of each scoring component. They are
// normalized to sum to 1 on construction.
type Weights struct {
	Tool     float64
	Resource float64
	Privacy  float64
}

// DefaultWeights is the default scoring split.
func DefaultWeights() Weights {
	return Weights{Tool: 0.50, Resource: 0.30, Privacy: 0.20}
}

// Normalize rescales w so its components sum to 1. A zero-sum Weights
// falls back to DefaultWeights.
func (w Weights) Normalize() Weights {
	sum := w.Tool + w.Resource + w.Privacy
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Tool: w.Tool / sum, Resource: w.Resource / sum, Privacy: w.Privacy / sum}
}

// Config controls allocation cycle behavior.
type Config struct {
	Weights  Weights
	MinScore float64
}

func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), MinScore: 0.3}
}

// Allocator computes and commits subtask/worker pairings.
type Allocator struct {
	cfg     Config
	durable store.Durable
	kv      store.KV
	conns   *connmgr.Manager
	log     *slog.Logger
	tracer  trace.Tracer

	attempts metric.Int64Counter

	breakersMu sync.Mutex
	breakers   map[uuid.UUID]*resilience.CircuitBreaker
}

func New(cfg Config, durable store.Durable, kv store.KV, conns *connmgr.Manager, log *slog.Logger,
	tracer trace.Tracer, attempts metric.Int64Counter) *Allocator {
	cfg.Weights = cfg.Weights.Normalize()
	if cfg.MinScore <= 0 {
		cfg.MinScore = DefaultConfig().MinScore
	}
	return &Allocator{
		cfg: cfg, durable: durable, kv: kv, conns: conns, log: log, tracer: tracer, attempts: attempts,
		breakers: make(map[uuid.UUID]*resilience.CircuitBreaker),
	}
}

// breakerFor returns (creating if needed) the per-worker circuit breaker
// that stops dispatching to a worker whose recent assignments keep going
// undelivered or unreleased.
func (a *Allocator) breakerFor(workerID uuid.UUID) *resilience.CircuitBreaker {
	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()
	cb, ok := a.breakers[workerID]
	if !ok {
		cb = resilience.NewCircuitBreaker(2*time.Minute, 12, 4, 0.5, 30*time.Second, 1)
		a.breakers[workerID] = cb
	}
	return cb
}

// OpenBreakerCount returns the number of workers currently circuit-broken
// out of dispatch consideration, for the admin surface's health check.
func (a *Allocator) OpenBreakerCount() int {
	a.breakersMu.Lock()
	defer a.breakersMu.Unlock()
	open := 0
	for _, cb := range a.breakers {
		if cb.IsOpen() {
			open++
		}
	}
	return open
}

// ToolScore is 1.0 for an exact declared match, 0.5 if the worker has
// some tools but not the recommended one, 0.0 if it declares none.
func ToolScore(s *model.Subtask, w *model.Worker) float64 {
	if s.RecommendedTool == "" {
		return 1.0
	}
	if w.HasTool(s.RecommendedTool) {
		return 1.0
	}
	if len(w.Tools) > 0 {
		return 0.5
	}
	return 0.0
}

// ResourceScore weights free CPU/memory higher than free disk; unknown
// metrics (a worker that has never reported) score neutrally.
func ResourceScore(w *model.Worker) float64 {
	if w.Metrics == (model.ResourceMetrics{}) {
		return 0.5
	}
	cpuFree := 1 - w.Metrics.CPUPercent
	memFree := 1 - w.Metrics.MemoryPercent
	diskFree := 1 - w.Metrics.DiskPercent
	return 0.4*cpuFree + 0.4*memFree + 0.2*diskFree
}

const privacySensitive = "sensitive"

// PrivacyScore rewards local-only tool availability for sensitive tasks;
// normal-privacy tasks are indifferent to worker locality.
func PrivacyScore(s *model.Subtask, w *model.Worker) float64 {
	if s.Privacy != privacySensitive {
		return 1.0
	}
	local, cloud := w.HasLocalTool(), w.HasCloudTool()
	switch {
	case local && cloud:
		return 0.8
	case local:
		return 1.0
	default:
		return 0.5
	}
}

// Score computes the weighted candidate score for (s, w) in [0, 1].
func (a *Allocator) Score(s *model.Subtask, w *model.Worker) float64 {
	wts := a.cfg.Weights
	return wts.Tool*ToolScore(s, w) + wts.Resource*ResourceScore(w) + wts.Privacy*PrivacyScore(s, w)
}

// RunCycle executes one allocation cycle over workflowID's ready
// subtasks and the currently idle worker pool: snapshot, greedy match,
// commit each pairing, release on undelivered assignment.
func (a *Allocator) RunCycle(ctx context.Context, workflowID uuid.UUID) error {
	ctx, span := a.tracer.Start(ctx, "allocator.run_cycle", trace.WithAttributes(
		attribute.String("workflow_id", workflowID.String())))
	defer span.End()

	ready, err := a.durable.ListReadySubtasks(ctx, workflowID)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}

	idle, err := a.durable.ListIdleWorkers(ctx)
	if err != nil {
		return err
	}
	idle = a.connectedOnly(idle)
	if len(idle) == 0 {
		return nil
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	taken := make(map[uuid.UUID]bool, len(idle))
	for _, s := range ready {
		best, bestScore := a.bestCandidate(s, idle, taken)
		if best == nil {
			continue
		}
		taken[best.ID] = true
		a.commitPairing(ctx, s, best, bestScore)
	}
	return nil
}

func (a *Allocator) connectedOnly(workers []*model.Worker) []*model.Worker {
	out := make([]*model.Worker, 0, len(workers))
	for _, w := range workers {
		if a.conns.IsConnected(w.ID) {
			out = append(out, w)
		}
	}
	return out
}

func (a *Allocator) bestCandidate(s *model.Subtask, idle []*model.Worker, taken map[uuid.UUID]bool) (*model.Worker, float64) {
	var best *model.Worker
	bestScore := a.cfg.MinScore
	for _, w := range idle {
		if taken[w.ID] {
			continue
		}
		if !a.breakerFor(w.ID).Allow() {
			continue
		}
		score := a.Score(s, w)
		if score >= bestScore {
			best = w
			bestScore = score
		}
	}
	return best, bestScore
}

func (a *Allocator) commitPairing(ctx context.Context, s *model.Subtask, w *model.Worker, score float64) {
	if a.attempts != nil {
		a.attempts.Add(ctx, 1)
	}

	if err := a.durable.CommitAssignment(ctx, s.ID, w.ID); err != nil {
		a.log.Warn("allocator: commit failed, leaving pairing for next cycle",
			"subtask_id", s.ID, "worker_id", w.ID, "score", score, "error", err)
		return
	}

	ttl := s.Timeout
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := a.kv.SetWorkerCurrentTask(ctx, w.ID, s.ID, ttl); err != nil {
		a.log.Warn("allocator: kv current-task write failed, will self-heal next cycle",
			"subtask_id", s.ID, "worker_id", w.ID, "error", err)
	}
	if err := a.kv.MarkInProgress(ctx, s.ID); err != nil {
		a.log.Warn("allocator: kv in-progress write failed", "subtask_id", s.ID, "error", err)
	}
	if err := a.kv.RemoveQueuedSubtask(ctx, s.ID); err != nil {
		a.log.Warn("allocator: kv dequeue failed", "subtask_id", s.ID, "error", err)
	}

	frame, err := wsproto.NewFrame(wsproto.TypeTaskAssignment, wsproto.TaskAssignmentData{
		SubtaskID:      s.ID.String(),
		Description:    s.Description,
		AssignedTool:   s.RecommendedTool,
		TimeoutSeconds: int(ttl.Seconds()),
	})
	if err != nil {
		a.log.Error("allocator: failed to build task_assignment frame", "subtask_id", s.ID, "error", err)
		a.breakerFor(w.ID).RecordFailure()
		a.release(ctx, s.ID, w.ID)
		return
	}

	if !a.conns.Send(w.ID, frame) {
		a.log.Warn("allocator: task_assignment undelivered, releasing pairing", "subtask_id", s.ID, "worker_id", w.ID)
		a.breakerFor(w.ID).RecordFailure()
		a.release(ctx, s.ID, w.ID)
		return
	}

	a.breakerFor(w.ID).RecordSuccess()
	a.log.Info("subtask assigned", "subtask_id", s.ID, "worker_id", w.ID, "score", score)
}

func (a *Allocator) release(ctx context.Context, subtaskID, workerID uuid.UUID) {
	if err := a.durable.ReleaseAssignment(ctx, subtaskID, workerID); err != nil {
		a.log.Error("allocator: release failed", "subtask_id", subtaskID, "worker_id", workerID, "error", err)
	}
	if err := a.kv.ClearWorkerCurrentTask(ctx, workerID); err != nil {
		a.log.Warn("allocator: kv clear current-task failed during release", "worker_id", workerID, "error", err)
	}
	if err := a.kv.ClearInProgress(ctx, subtaskID); err != nil {
		a.log.Warn("allocator: kv clear in-progress failed during release", "subtask_id", subtaskID, "error", err)
	}
	if err := a.kv.EnqueueSubtask(ctx, subtaskID); err != nil {
		a.log.Warn("allocator: kv re-enqueue failed during release", "subtask_id", subtaskID, "error", err)
	}
}
