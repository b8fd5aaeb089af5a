// Package executor drives a workflow's DAG from start to a terminal state:
// topological scheduling, per-node-kind dispatch, retry with backoff, and
// cooperative cancellation/pause. Uses a Kahn's-algorithm ready-queue fed
// by a fixed worker pool and a single coordinator goroutine.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskmesh/internal/allocator"
	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store"
)

// RouterFunc is the external LLM-routing collaborator a ROUTER node
// consults: given the workflow's context and the node's configured routes,
// it returns the chosen route label.
type RouterFunc func(ctx context.Context, wf *model.Workflow, node *model.Node) (string, error)

// Config controls per-workflow execution behavior.
type Config struct {
	// MaxParallel bounds concurrently-dispatched nodes within one workflow.
	MaxParallel int
}

func DefaultConfig() Config {
	return Config{MaxParallel: 10}
}

// Engine runs workflows. One Run call owns exactly one workflow; distinct
// workflows never share a run's internal state, only the two stores.
type Engine struct {
	cfg     Config
	durable store.Durable
	kv      store.KV
	conns   *connmgr.Manager
	alloc   *allocator.Allocator
	router  RouterFunc
	log     *slog.Logger
	tracer  trace.Tracer

	nodesCompleted metric.Int64Counter
	nodesFailed    metric.Int64Counter

	mu   sync.Mutex
	runs map[uuid.UUID]*run
}

func New(cfg Config, durable store.Durable, kv store.KV, conns *connmgr.Manager, alloc *allocator.Allocator,
	router RouterFunc, log *slog.Logger, tracer trace.Tracer, nodesCompleted, nodesFailed metric.Int64Counter) *Engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultConfig().MaxParallel
	}
	return &Engine{
		cfg: cfg, durable: durable, kv: kv, conns: conns, alloc: alloc, router: router,
		log: log, tracer: tracer, nodesCompleted: nodesCompleted, nodesFailed: nodesFailed,
		runs: make(map[uuid.UUID]*run),
	}
}

// run is the in-memory bookkeeping for one active workflow execution: the
// node/edge index, in-degree counters, parallel-split/join state, and the
// channels external events (subtask results, review decisions) arrive on.
type run struct {
	mu sync.Mutex

	wf           *model.Workflow
	nodes        map[uuid.UUID]*model.Node
	outgoing     map[uuid.UUID][]*model.Edge // non-back edges only
	backEdges    map[uuid.UUID][]*model.Edge // IsBackEdge edges, e.g. loop-body-exit -> loop node
	inDegree     map[uuid.UUID]int
	liveArrivals map[uuid.UUID]int
	settled      map[uuid.UUID]bool

	splits     map[uuid.UUID]*splitState // keyed by join node id
	branchJoin map[uuid.UUID]uuid.UUID   // branch entry node id -> owning join id
	byName     map[string]uuid.UUID     // node name -> id, for config references

	pendingTask map[uuid.UUID]chan taskOutcome // TASK/DIRECTOR node id -> waiter
	subtaskNode map[uuid.UUID]uuid.UUID        // subtask id -> owning node id

	cancelled bool
	paused    bool
	pausedAt  *uuid.UUID
}

type splitState struct {
	branches []uuid.UUID
	failFast bool
	strategy model.JoinStrategy
	outputs  map[uuid.UUID]map[string]any
	failed   bool
}

type taskOutcome struct {
	output map[string]any
	errMsg string
}

// controlErr is the sentinel control-flow error Run returns when the loop
// observes a cancel or pause flag (kind "workflow-cancelled" or
// "workflow-paused"); it is not a failure of the workflow itself.
type controlErr struct {
	kind string
	node *uuid.UUID
}

func (e *controlErr) Error() string {
	if e.node != nil {
		return fmt.Sprintf("%s at node %s", e.kind, e.node)
	}
	return e.kind
}

// IsCancelled reports whether err is the sentinel raised when a workflow's
// cancel flag stopped the loop.
func IsCancelled(err error) bool {
	e, ok := err.(*controlErr)
	return ok && e.kind == "workflow-cancelled"
}

// IsPaused reports whether err is the sentinel raised when a workflow's
// pause flag stopped the loop.
func IsPaused(err error) bool {
	e, ok := err.(*controlErr)
	return ok && e.kind == "workflow-paused"
}

// Allocator exposes the engine's allocator so the admin surface can read
// its circuit-breaker state without the executor package re-deriving it.
func (e *Engine) Allocator() *allocator.Allocator { return e.alloc }

// Run drives workflowID from its current persisted state to a terminal
// status, a pause point, or cancellation. It blocks for the lifetime of
// the execution; callers run it in its own goroutine per active workflow.
func (e *Engine) Run(ctx context.Context, workflowID uuid.UUID) error {
	ctx, span := e.tracer.Start(ctx, "executor.run", trace.WithAttributes(
		attribute.String("workflow_id", workflowID.String())))
	defer span.End()

	wf, err := e.durable.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	nodes, err := e.durable.ListNodes(ctx, workflowID)
	if err != nil {
		return err
	}
	edges, err := e.durable.ListEdges(ctx, workflowID)
	if err != nil {
		return err
	}

	r, err := e.newRun(ctx, wf, nodes, edges)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.runs[workflowID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, workflowID)
		e.mu.Unlock()
	}()

	if wf.Status == model.WorkflowDraft || wf.Status == model.WorkflowPending {
		wf.Status = model.WorkflowRunning
		now := time.Now()
		wf.StartedAt = &now
		if err := e.durable.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}
	}

	runErr := e.drive(ctx, r)

	switch {
	case IsCancelled(runErr):
		wf.Status = model.WorkflowCancelled
		_ = e.durable.UpdateWorkflow(ctx, wf)
	case IsPaused(runErr):
		// State is already persisted node-by-node as nodes settle;
		// workflow status stays Running so resume can re-enter.
	case runErr != nil:
		wf.Status = model.WorkflowFailed
		wf.Error = runErr.Error()
		_ = e.durable.UpdateWorkflow(ctx, wf)
	default:
		wf.Status = model.WorkflowCompleted
		now := time.Now()
		wf.CompletedAt = &now
		_ = e.durable.UpdateWorkflow(ctx, wf)
	}
	return runErr
}

// newRun builds the topology index for a fresh or resumed execution,
// rejecting cycles outside designated loop back-edges.
func (e *Engine) newRun(ctx context.Context, wf *model.Workflow, nodes []*model.Node, edges []*model.Edge) (*run, error) {
	r := &run{
		wf:           wf,
		nodes:        make(map[uuid.UUID]*model.Node, len(nodes)),
		outgoing:     make(map[uuid.UUID][]*model.Edge),
		backEdges:    make(map[uuid.UUID][]*model.Edge),
		inDegree:     make(map[uuid.UUID]int, len(nodes)),
		liveArrivals: make(map[uuid.UUID]int, len(nodes)),
		settled:      make(map[uuid.UUID]bool, len(nodes)),
		splits:       make(map[uuid.UUID]*splitState),
		branchJoin:   make(map[uuid.UUID]uuid.UUID),
		byName:       make(map[string]uuid.UUID, len(nodes)),
		pendingTask:  make(map[uuid.UUID]chan taskOutcome),
		subtaskNode:  make(map[uuid.UUID]uuid.UUID),
	}
	for _, n := range nodes {
		r.nodes[n.ID] = n
		r.inDegree[n.ID] = 0
		r.byName[n.Name] = n.ID
		if n.Status == model.NodeCompleted || n.Status == model.NodeSkipped || n.Status == model.NodeFailed {
			r.settled[n.ID] = true
		}
		if n.SubtaskID != nil {
			r.subtaskNode[*n.SubtaskID] = n.ID
		}
	}
	for _, ed := range edges {
		if ed.IsBackEdge {
			r.backEdges[ed.From] = append(r.backEdges[ed.From], ed)
			continue
		}
		r.outgoing[ed.From] = append(r.outgoing[ed.From], ed)
		r.inDegree[ed.To]++
	}
	origInDegree := make(map[uuid.UUID]int, len(r.inDegree))
	for id, d := range r.inDegree {
		origInDegree[id] = d
	}

	// Kahn's algorithm dry run purely to detect cycles among non-back
	// edges; the real ready-queue below re-derives from r.inDegree and
	// already-settled nodes so resumed runs pick up mid-flight.
	indeg := make(map[uuid.UUID]int, len(r.inDegree))
	for id, d := range r.inDegree {
		indeg[id] = d
	}
	queue := make([]uuid.UUID, 0, len(nodes))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, ed := range r.outgoing[id] {
			indeg[ed.To]--
			if indeg[ed.To] == 0 {
				queue = append(queue, ed.To)
			}
		}
	}
	if visited != len(nodes) {
		return nil, kinderr.Invalid("executor.new_run", wf.ID.String(), fmt.Errorf("cycle-detected"))
	}

	// Replay already-settled nodes (a resume, or a fresh Run after a
	// human-review pause) so in-degree/live-arrival counts reflect what
	// already happened rather than the raw edge counts. A settled node's
	// chosen branch, if it had one, was stamped onto its output under
	// "__branch" when it first completed.
	for id, n := range r.nodes {
		if !r.settled[id] {
			continue
		}
		completed := n.Status == model.NodeCompleted
		chosen, hasChosen := branchOf(n)
		for _, ed := range r.outgoing[id] {
			r.inDegree[ed.To]--
			live := completed
			if hasChosen {
				live = completed && ed.Label == chosen
			}
			if live {
				r.liveArrivals[ed.To]++
			}
		}
	}

	// A node the replay just drove to in-degree zero with no live arrival
	// is unreachable on this resume (every branch that could have reached
	// it was skipped or took a different label): mark it skipped too, and
	// cascade the same check through its own successors. Nodes that start
	// at in-degree zero (true entry points, origInDegree == 0) are exempt;
	// those are genuinely ready to dispatch, not replay casualties.
	var skipQueue []uuid.UUID
	for id := range r.nodes {
		if origInDegree[id] > 0 && !r.settled[id] && r.inDegree[id] <= 0 && r.liveArrivals[id] == 0 {
			skipQueue = append(skipQueue, id)
		}
	}
	for len(skipQueue) > 0 {
		id := skipQueue[0]
		skipQueue = skipQueue[1:]
		if r.settled[id] {
			continue
		}
		tn, ok := r.nodes[id]
		if !ok {
			continue
		}
		tn.Status = model.NodeSkipped
		_ = e.durable.UpdateNode(ctx, tn)
		r.settled[id] = true
		for _, ed := range r.outgoing[id] {
			r.inDegree[ed.To]--
			if !r.settled[ed.To] && r.inDegree[ed.To] <= 0 && r.liveArrivals[ed.To] == 0 {
				skipQueue = append(skipQueue, ed.To)
			}
		}
	}

	// Rebuild split bookkeeping for any PARALLEL-SPLIT already dispatched
	// in a prior run (resume case).
	for _, n := range nodes {
		if n.Kind != model.NodeParallelSplit || n.Status != model.NodeCompleted {
			continue
		}
		if joinID, split, ok := rebuildSplit(r, n); ok {
			r.splits[joinID] = split
		}
	}
	return r, nil
}

// drive runs the worker-pool + coordinator loop until every node is
// settled or a control/failure condition stops it early.
func (e *Engine) drive(ctx context.Context, r *run) error {
	total := len(r.nodes)
	ready := make(chan uuid.UUID, total*2+1)
	results := make(chan nodeResult, total*2+1)

	var initial []uuid.UUID
	r.mu.Lock()
	for id := range r.nodes {
		if !r.settled[id] && r.inDegree[id] == 0 {
			initial = append(initial, id)
		}
	}
	r.mu.Unlock()
	for _, id := range initial {
		ready <- id
	}

	workers := e.cfg.MaxParallel
	if workers > total {
		workers = total
	}
	if workers < 1 {
		workers = 1
	}

	poolCtx, cancelPool := context.WithCancel(ctx)
	defer cancelPool()
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-poolCtx.Done():
					return
				case id, ok := <-ready:
					if !ok {
						return
					}
					results <- e.dispatch(poolCtx, r, id)
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	outstanding := len(initial)
	settledCount := 0
	for _, v := range r.settled {
		if v {
			settledCount++
		}
	}

	var runErr error
loop:
	for outstanding > 0 {
		r.mu.Lock()
		cancelled, paused := r.cancelled, r.paused
		r.mu.Unlock()
		if cancelled {
			runErr = &controlErr{kind: "workflow-cancelled"}
			e.cancelInFlight(ctx, r)
			break loop
		}
		if paused {
			runErr = &controlErr{kind: "workflow-paused", node: r.pausedAt}
			break loop
		}

		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case res, ok := <-results:
			if !ok {
				break loop
			}
			outstanding--
			newlyReady, settledNow, failed := e.settle(ctx, r, res)
			settledCount += settledNow
			if failed && res.fatal {
				runErr = kinderr.New(kinderr.KindInternal, "executor.drive", res.nodeID.String(), fmt.Errorf("node-execution-failed"))
			}
			for _, id := range newlyReady {
				outstanding++
				select {
				case ready <- id:
				default:
					go func(id uuid.UUID) { ready <- id }(id)
				}
			}
		}
	}
	close(ready)
	cancelPool()
	wg.Wait()

	if runErr == nil && settledCount < total {
		// Loop drained (no more outstanding work) without reaching every
		// node: a HUMAN-REVIEW or PARALLEL-JOIN left the graph waiting.
		r.mu.Lock()
		paused := r.paused
		r.mu.Unlock()
		if paused {
			runErr = &controlErr{kind: "workflow-paused", node: r.pausedAt}
		}
	}
	return runErr
}

// cancelInFlight sends task_cancel to every worker currently holding a
// running subtask of r. If the worker never acks, the reaper recovers it
// on the next heartbeat sweep.
func (e *Engine) cancelInFlight(ctx context.Context, r *run) {
	r.mu.Lock()
	running := make([]uuid.UUID, 0, len(r.nodes))
	for id, n := range r.nodes {
		if n.Status == model.NodeRunning && n.SubtaskID != nil {
			running = append(running, id)
		}
		delete(r.pendingTask, id)
	}
	r.mu.Unlock()

	for _, id := range running {
		n := r.nodes[id]
		if n.SubtaskID == nil {
			continue
		}
		s, err := e.durable.GetSubtask(ctx, *n.SubtaskID)
		if err != nil || s.AssignedWorker == nil {
			continue
		}
		frame, err := newCancelFrame(*n.SubtaskID, "workflow cancelled")
		if err != nil {
			continue
		}
		e.conns.Send(*s.AssignedWorker, frame)
	}
}
