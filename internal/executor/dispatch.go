package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/wsproto"
)

// nodeResult is what a dispatch call hands back to the coordinator.
type nodeResult struct {
	nodeID uuid.UUID
	status model.NodeStatus // NodeCompleted, NodeFailed or NodeWaiting
	output map[string]any
	label  string // chosen edge label, set by CONDITION/ROUTER
	errMsg string
	fatal  bool // stop the whole run rather than just this node
}

// dispatch executes one node's kind-specific behavior, blocking as long as
// that behavior requires (TASK awaits a subtask result; HUMAN-REVIEW does
// not block and returns NodeWaiting at once). It runs on one of the run's worker-pool goroutines, so a
// blocked dispatch never holds up sibling branches.
func (e *Engine) dispatch(ctx context.Context, r *run, nodeID uuid.UUID) nodeResult {
	r.mu.Lock()
	n, ok := r.nodes[nodeID]
	if ok {
		n.Status = model.NodeRunning
	}
	r.mu.Unlock()
	if !ok {
		return nodeResult{nodeID: nodeID, status: model.NodeFailed, errMsg: "unknown node", fatal: true}
	}
	_ = e.durable.UpdateNode(ctx, n)

	ctx, span := e.tracer.Start(ctx, "executor.dispatch_node", trace.WithAttributes(
		attribute.String("node_id", n.ID.String()),
		attribute.String("node_kind", string(n.Kind)),
	))
	defer span.End()

	switch n.Kind {
	case model.NodeTask, model.NodeDirector:
		return e.runWithRetry(ctx, r, n, e.dispatchTask)
	case model.NodeCondition:
		return e.dispatchCondition(ctx, r, n)
	case model.NodeParallelSplit:
		return e.dispatchParallelSplit(ctx, r, n)
	case model.NodeParallelJoin:
		return e.dispatchParallelJoin(ctx, r, n)
	case model.NodeHumanReview:
		return e.dispatchHumanReview(ctx, r, n)
	case model.NodeLoop:
		return e.dispatchLoop(ctx, r, n)
	case model.NodeRouter:
		return e.dispatchRouter(ctx, r, n)
	case model.NodeSubflow:
		return e.dispatchSubflow(ctx, r, n)
	default:
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: fmt.Sprintf("unknown node kind %q", n.Kind), fatal: true}
	}
}

// runWithRetry wraps a TASK/DIRECTOR attempt with backoff: on a retryable
// failure, sleep base_delay*(1+retry_count) and try again without clearing
// the node's inputs, up to max_retries.
func (e *Engine) runWithRetry(ctx context.Context, r *run, n *model.Node, attempt func(context.Context, *run, *model.Node) nodeResult) nodeResult {
	policy := n.RetryPolicy
	if policy.MaxRetries <= 0 {
		policy = model.DefaultRetryPolicy()
	}
	for {
		res := attempt(ctx, r, n)
		if res.status != model.NodeFailed || !isRetryable(res.errMsg) {
			return res
		}
		r.mu.Lock()
		n.RetryCount++
		retryCount := n.RetryCount
		r.mu.Unlock()
		if retryCount > policy.MaxRetries {
			res.fatal = false
			return res
		}
		delay := policy.BaseDelay * time.Duration(1+retryCount)
		e.log.Warn("node retrying after transient failure", "node_id", n.ID, "attempt", retryCount, "delay", delay, "error", res.errMsg)
		select {
		case <-ctx.Done():
			return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: ctx.Err().Error()}
		case <-time.After(delay):
		}
	}
}

// isRetryable classifies transient vs terminal failures: timeouts,
// worker-side rejections and worker disconnects are retried, everything
// else is terminal.
func isRetryable(errMsg string) bool {
	switch errMsg {
	case "timeout", "context deadline exceeded", "task_rejected", "worker_disconnected":
		return true
	default:
		return false
	}
}

// dispatchTask creates (or reuses) the subtask backing a TASK/DIRECTOR
// node, hands it to the allocator, and blocks for its result.
func (e *Engine) dispatchTask(ctx context.Context, r *run, n *model.Node) nodeResult {
	r.mu.Lock()
	subtaskID := n.SubtaskID
	var workflowID uuid.UUID
	if r.wf != nil {
		workflowID = r.wf.ID
	}
	r.mu.Unlock()

	if subtaskID == nil {
		s := &model.Subtask{
			ID:              uuid.New(),
			WorkflowID:      workflowID,
			NodeID:          n.ID,
			Name:            n.Name,
			Description:     n.Config.Description,
			RecommendedTool: n.Config.RecommendedTool,
			Privacy:         n.Config.Privacy,
			Priority:        5,
			Status:          model.SubtaskPending,
			CreatedAt:       time.Now(),
		}
		if err := e.durable.CreateSubtask(ctx, s); err != nil {
			return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
		}
		r.mu.Lock()
		n.SubtaskID = &s.ID
		r.subtaskNode[s.ID] = n.ID
		r.mu.Unlock()
		subtaskID = &s.ID
		_ = e.durable.UpdateNode(ctx, n)
		if err := e.kv.EnqueueSubtask(ctx, s.ID); err != nil {
			e.log.Warn("executor: failed to enqueue subtask in kv", "subtask_id", s.ID, "error", err)
		}
	}

	waiter := make(chan taskOutcome, 1)
	r.mu.Lock()
	r.pendingTask[n.ID] = waiter
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pendingTask, n.ID)
		r.mu.Unlock()
	}()

	if e.alloc != nil {
		if err := e.alloc.RunCycle(ctx, workflowID); err != nil {
			e.log.Warn("executor: allocator cycle failed after publishing subtask", "subtask_id", *subtaskID, "error", err)
		}
	}

	select {
	case <-ctx.Done():
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: ctx.Err().Error()}
	case out := <-waiter:
		if out.errMsg != "" {
			return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: out.errMsg}
		}
		if n.Kind == model.NodeDirector {
			if err := e.applyDirectorOutput(ctx, r, n, out.output); err != nil {
				return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error(), fatal: true}
			}
		}
		return nodeResult{nodeID: n.ID, status: model.NodeCompleted, output: out.output}
	}
}

// dispatchCondition evaluates the node's expression against workflow
// context and node input, choosing a branch label.
func (e *Engine) dispatchCondition(ctx context.Context, r *run, n *model.Node) nodeResult {
	r.mu.Lock()
	wfCtx := r.wf.Context
	r.mu.Unlock()

	label, err := evaluateLabel(n.Config.Expression, wfCtx, n.Input)
	if err != nil {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
	}
	return nodeResult{nodeID: n.ID, status: model.NodeCompleted, label: label, output: map[string]any{"branch": label}}
}

// dispatchParallelSplit enqueues every declared branch entry node and
// records the expected branch set for its join, so the join can merge
// once all of them settle.
func (e *Engine) dispatchParallelSplit(ctx context.Context, r *run, n *model.Node) (result nodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joinID, ok := r.byName[n.Config.JoinNode]
	if !ok {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: fmt.Sprintf("parallel-split %s: unknown join node %q", n.Name, n.Config.JoinNode)}
	}
	branchIDs := make([]uuid.UUID, 0, len(n.Config.Branches))
	for _, name := range n.Config.Branches {
		id, ok := r.byName[name]
		if !ok {
			return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: fmt.Sprintf("parallel-split %s: unknown branch %q", n.Name, name)}
		}
		branchIDs = append(branchIDs, id)
		r.branchJoin[id] = joinID
	}
	joinNode := r.nodes[joinID]
	r.splits[joinID] = &splitState{
		branches: branchIDs,
		failFast: n.Config.FailFast,
		strategy: joinNode.Config.Strategy,
		outputs:  make(map[uuid.UUID]map[string]any),
	}

	// Branch entries bypass the normal in-degree countdown: settle enqueues
	// them directly by name once the split completes. The split's edges to
	// its branches only keep their in-degree above zero at start; settle
	// never walks them.
	result = nodeResult{nodeID: n.ID, status: model.NodeCompleted, output: map[string]any{"branches": n.Config.Branches}}
	return result
}

// branchEntries returns the branch ids a just-completed PARALLEL-SPLIT
// should directly schedule; called by settle outside the node's own
// outgoing-edge walk.
func branchEntries(r *run, n *model.Node) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(n.Config.Branches))
	for _, name := range n.Config.Branches {
		if id, ok := r.byName[name]; ok {
			out = append(out, id)
		}
	}
	return out
}

// dispatchParallelJoin merges branch outputs per the split's configured
// strategy. By the time this dispatches, every branch id to reach here
// (whether completed or skipped away) has already been accounted for by
// in-degree bookkeeping.
func (e *Engine) dispatchParallelJoin(ctx context.Context, r *run, n *model.Node) nodeResult {
	r.mu.Lock()
	split := r.splits[n.ID]
	r.mu.Unlock()
	if split == nil {
		return nodeResult{nodeID: n.ID, status: model.NodeCompleted, output: map[string]any{}}
	}
	if split.failed {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: "branch failed under fail-fast split"}
	}

	r.mu.Lock()
	outputs := make(map[uuid.UUID]map[string]any, len(split.outputs))
	for k, v := range split.outputs {
		outputs[k] = v
	}
	r.mu.Unlock()

	merged, err := mergeBranchOutputs(split.strategy, split.branches, outputs)
	if err != nil {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
	}
	return nodeResult{nodeID: n.ID, status: model.NodeCompleted, output: merged}
}

func mergeBranchOutputs(strategy model.JoinStrategy, order []uuid.UUID, outputs map[uuid.UUID]map[string]any) (map[string]any, error) {
	switch strategy {
	case model.JoinFirst:
		for _, id := range order {
			if out, ok := outputs[id]; ok {
				return out, nil
			}
		}
		return map[string]any{}, nil
	case model.JoinLast:
		for i := len(order) - 1; i >= 0; i-- {
			if out, ok := outputs[order[i]]; ok {
				return out, nil
			}
		}
		return map[string]any{}, nil
	case model.JoinVote:
		counts := map[string]int{}
		best, bestCount := "", -1
		for _, id := range order {
			out, ok := outputs[id]
			if !ok {
				continue
			}
			key := fmt.Sprintf("%v", out)
			counts[key]++
			if counts[key] > bestCount {
				best, bestCount = key, counts[key]
			}
		}
		for _, id := range order {
			if out, ok := outputs[id]; ok && fmt.Sprintf("%v", out) == best {
				return out, nil
			}
		}
		return map[string]any{}, nil
	default: // JoinAll
		all := make(map[string]any, len(outputs))
		for id, out := range outputs {
			all[id.String()] = out
		}
		return all, nil
	}
}

// dispatchHumanReview creates a checkpoint, marks the node `waiting`, and
// raises workflow-paused. It returns immediately rather than blocking a
// worker-pool goroutine: resumption is a distinct, externally-triggered
// call (ResumeAfterReview) that re-enters Run once a decision lands.
func (e *Engine) dispatchHumanReview(ctx context.Context, r *run, n *model.Node) nodeResult {
	timeout := n.Config.TimeoutDuration
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	cp := &model.Checkpoint{
		ID:         uuid.New(),
		WorkflowID: n.WorkflowID,
		NodeID:     n.ID,
		Input:      n.Input,
		Status:     model.CheckpointPending,
		Urgency:    model.Urgency(n.Config.Urgency),
		ExpiresAt:  time.Now().Add(timeout),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if cp.Urgency == "" {
		cp.Urgency = model.UrgencyNormal
	}
	if err := e.durable.CreateCheckpoint(ctx, cp); err != nil {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
	}
	_ = e.kv.PutReviewRequest(ctx, cp.ID, cp)
	_ = e.kv.EnqueueReview(ctx, cp.ID, cp.CreatedAt)

	r.mu.Lock()
	r.paused = true
	node := n.ID
	r.pausedAt = &node
	r.mu.Unlock()

	return nodeResult{nodeID: n.ID, status: model.NodeWaiting}
}

// dispatchLoop advances a LOOP node's iteration counter each time control
// reaches it, deciding whether to re-enter the body or exit.
func (e *Engine) dispatchLoop(ctx context.Context, r *run, n *model.Node) nodeResult {
	r.mu.Lock()
	wfCtx := r.wf.Context
	r.mu.Unlock()

	cont, err := evaluateBool(n.Config.LoopCondition, wfCtx, n.Input)
	if err != nil {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
	}

	r.mu.Lock()
	n.LoopIteration++
	iter := n.LoopIteration
	r.mu.Unlock()

	maxIter := n.Config.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	if cont && iter <= maxIter {
		return nodeResult{nodeID: n.ID, status: model.NodeCompleted, label: "continue", output: map[string]any{"iteration": iter}}
	}
	return nodeResult{nodeID: n.ID, status: model.NodeCompleted, label: "exit", output: map[string]any{"iteration": iter}}
}

// dispatchRouter consults the external routing callback, falling back to
// default_route on error or no callback.
func (e *Engine) dispatchRouter(ctx context.Context, r *run, n *model.Node) nodeResult {
	if e.router == nil {
		return nodeResult{nodeID: n.ID, status: model.NodeCompleted, label: n.Config.DefaultRoute, output: map[string]any{"route": n.Config.DefaultRoute}}
	}
	r.mu.Lock()
	wf := r.wf
	r.mu.Unlock()
	route, err := e.router(ctx, wf, n)
	if err != nil || route == "" {
		if n.Config.DefaultRoute == "" {
			return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: "router: no route and no default_route"}
		}
		route = n.Config.DefaultRoute
	}
	return nodeResult{nodeID: n.ID, status: model.NodeCompleted, label: route, output: map[string]any{"route": route}}
}

// dispatchSubflow runs the referenced workflow template as a nested
// execution and maps its outputs back into the parent context.
func (e *Engine) dispatchSubflow(ctx context.Context, r *run, n *model.Node) nodeResult {
	tmplWf, tmplNodes, tmplEdges, err := e.durable.GetWorkflowTemplate(ctx, n.Config.TemplateName)
	if err != nil {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
	}

	child := &model.Workflow{
		ID:         uuid.New(),
		Owner:      tmplWf.Owner,
		Name:       tmplWf.Name,
		Type:       tmplWf.Type,
		Status:     model.WorkflowPending,
		Context:    mapInputs(n.Config.InputMapping, n.Input),
		TotalNodes: len(tmplNodes),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	childNodes := make([]*model.Node, 0, len(tmplNodes))
	idRemap := make(map[uuid.UUID]uuid.UUID, len(tmplNodes))
	for _, tn := range tmplNodes {
		newID := uuid.New()
		idRemap[tn.ID] = newID
		cn := *tn
		cn.ID = newID
		cn.WorkflowID = child.ID
		cn.Status = model.NodePending
		cn.SubtaskID = nil
		childNodes = append(childNodes, &cn)
	}
	childEdges := make([]*model.Edge, 0, len(tmplEdges))
	for _, te := range tmplEdges {
		ce := *te
		ce.ID = uuid.New()
		ce.WorkflowID = child.ID
		ce.From = idRemap[te.From]
		ce.To = idRemap[te.To]
		childEdges = append(childEdges, &ce)
	}
	if err := e.durable.CreateWorkflow(ctx, child, childNodes, childEdges); err != nil {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
	}

	nested := New(e.cfg, e.durable, e.kv, e.conns, e.alloc, e.router, e.log, e.tracer, e.nodesCompleted, e.nodesFailed)
	if err := nested.Run(ctx, child.ID); err != nil && !IsPaused(err) {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
	}

	finished, err := e.durable.GetWorkflow(ctx, child.ID)
	if err != nil {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: err.Error()}
	}
	if finished.Status == model.WorkflowFailed || finished.Status == model.WorkflowCancelled {
		return nodeResult{nodeID: n.ID, status: model.NodeFailed, errMsg: finished.Error}
	}
	return nodeResult{nodeID: n.ID, status: model.NodeCompleted, output: finished.Context}
}

func mapInputs(mapping map[string]string, input map[string]any) map[string]any {
	out := make(map[string]any, len(mapping))
	for childKey, parentKey := range mapping {
		if v, ok := input[parentKey]; ok {
			out[childKey] = v
		}
	}
	return out
}

// applyDirectorOutput validates and appends a DIRECTOR node's decomposition
// to the owning workflow's graph, rejecting it if it would introduce a
// cycle.
func (e *Engine) applyDirectorOutput(ctx context.Context, r *run, n *model.Node, output map[string]any) error {
	var decomposition model.DirectorOutput
	if err := remarshal(output, &decomposition); err != nil {
		return kinderr.Invalid("executor.director_output", n.ID.String(), err)
	}
	if len(decomposition.Nodes) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	newNodes := make([]*model.Node, 0, len(decomposition.Nodes))
	idByName := make(map[string]uuid.UUID, len(decomposition.Nodes))
	for _, nd := range decomposition.Nodes {
		id := uuid.New()
		idByName[nd.Name] = id
		newNodes = append(newNodes, &model.Node{
			ID: id, WorkflowID: r.wf.ID, Name: nd.Name, Kind: nd.Kind,
			Status: model.NodePending, Config: nd.Config, RetryPolicy: model.DefaultRetryPolicy(),
			CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	}
	newEdges := make([]*model.Edge, 0, len(decomposition.Edges))
	for _, ed := range decomposition.Edges {
		from, ok1 := idByName[ed.From]
		if !ok1 {
			from, ok1 = r.byName[ed.From]
		}
		to, ok2 := idByName[ed.To]
		if !ok2 {
			to, ok2 = r.byName[ed.To]
		}
		if !ok1 || !ok2 {
			return kinderr.Invalid("executor.director_output", n.ID.String(), fmt.Errorf("edge references unknown node"))
		}
		newEdges = append(newEdges, &model.Edge{ID: uuid.New(), WorkflowID: r.wf.ID, From: from, To: to, Label: ed.Label, Condition: ed.Condition})
	}

	for _, nd := range newNodes {
		r.nodes[nd.ID] = nd
		r.inDegree[nd.ID] = 0
		r.byName[nd.Name] = nd.ID
	}
	for _, ed := range newEdges {
		if ed.IsBackEdge {
			continue
		}
		r.outgoing[ed.From] = append(r.outgoing[ed.From], ed)
		r.inDegree[ed.To]++
	}
	if hasCycle(r) {
		for _, nd := range newNodes {
			delete(r.nodes, nd.ID)
			delete(r.inDegree, nd.ID)
			delete(r.byName, nd.Name)
		}
		return kinderr.Invalid("executor.director_output", n.ID.String(), fmt.Errorf("cycle-detected"))
	}

	if err := e.durable.AppendNodesAndEdges(ctx, r.wf.ID, newNodes, newEdges); err != nil {
		return err
	}
	r.wf.TotalNodes += len(newNodes)
	return nil
}

func hasCycle(r *run) bool {
	indeg := make(map[uuid.UUID]int, len(r.inDegree))
	for id, d := range r.inDegree {
		indeg[id] = d
	}
	queue := make([]uuid.UUID, 0, len(r.nodes))
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
	return visited != len(r.nodes)
}

func newCancelFrame(subtaskID uuid.UUID, reason string) (wsproto.Frame, error) {
	return wsproto.NewFrame(wsproto.TypeTaskCancel, wsproto.TaskCancelData{
		SubtaskID: subtaskID.String(),
		Reason:    reason,
	})
}

// remarshal round-trips v through JSON into out; used to decode a TASK
// node's free-form output map into a DIRECTOR's typed decomposition.
func remarshal(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// rebuildSplit reconstructs a PARALLEL-SPLIT's bookkeeping for a resumed
// run; best-effort, since a resumed split's branch outputs not yet
// recorded in node status are simply absent from the merge until they
// settle again in this run.
func rebuildSplit(r *run, n *model.Node) (uuid.UUID, *splitState, bool) {
	joinID, ok := r.byName[n.Config.JoinNode]
	if !ok {
		return uuid.UUID{}, nil, false
	}
	joinNode, ok := r.nodes[joinID]
	if !ok {
		return uuid.UUID{}, nil, false
	}
	branchIDs := branchEntries(r, n)
	for _, id := range branchIDs {
		r.branchJoin[id] = joinID
	}
	return joinID, &splitState{
		branches: branchIDs,
		failFast: n.Config.FailFast,
		strategy: joinNode.Config.Strategy,
		outputs:  make(map[uuid.UUID]map[string]any),
	}, true
}
