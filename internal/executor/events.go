package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/model"
)

// HandleSubtaskResult is called when a worker's task_result or task_failed
// frame arrives for subtaskID. It persists the subtask's terminal state
// and, if that subtask's owning workflow is actively running, wakes the
// TASK/DIRECTOR dispatch goroutine awaiting it.
func (e *Engine) HandleSubtaskResult(ctx context.Context, subtaskID uuid.UUID, output map[string]any, errMsg string) error {
	s, err := e.durable.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if errMsg != "" {
		s.Status = model.SubtaskFailed
		s.Error = errMsg
	} else {
		s.Status = model.SubtaskCompleted
		s.Output = output
		s.Progress = 100
	}
	if err := e.durable.UpdateSubtask(ctx, s); err != nil {
		return err
	}
	if s.AssignedWorker != nil {
		_ = e.kv.ClearWorkerCurrentTask(ctx, *s.AssignedWorker)
		if w, err := e.durable.GetWorker(ctx, *s.AssignedWorker); err == nil && w.Status == model.WorkerBusy {
			w.Status = model.WorkerIdle
			_ = e.durable.UpdateWorker(ctx, w)
		}
	}
	_ = e.kv.ClearInProgress(ctx, subtaskID)

	e.mu.Lock()
	r, ok := e.runs[s.WorkflowID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	nodeID, hasNode := r.subtaskNode[subtaskID]
	var waiter chan taskOutcome
	if hasNode {
		waiter = r.pendingTask[nodeID]
	}
	r.mu.Unlock()
	if waiter == nil {
		return nil
	}
	select {
	case waiter <- taskOutcome{output: output, errMsg: errMsg}:
	default:
	}
	return nil
}

// HandleSubtaskProgress applies a task_progress frame, discarding
// out-of-order regressions so progress only moves forward.
func (e *Engine) HandleSubtaskProgress(ctx context.Context, subtaskID uuid.UUID, progress int, message string) error {
	s, err := e.durable.GetSubtask(ctx, subtaskID)
	if err != nil {
		return err
	}
	if progress <= s.Progress {
		return nil
	}
	s.Progress = progress
	return e.durable.UpdateSubtask(ctx, s)
}

// ResumeAfterReview records a reviewer's decision against checkpointID and
// continues the paused workflow from its HUMAN-REVIEW node. The node is
// updated directly in the durable store; the next Run call (issued here)
// rebuilds its in-memory state and, via the settled-node replay in
// newRun, fast-forwards past it onto the chosen branch.
func (e *Engine) ResumeAfterReview(ctx context.Context, checkpointID uuid.UUID, decision *model.Decision) error {
	cp, err := e.durable.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if cp.Resolved() {
		return kinderr.Conflict("executor.resume_after_review", checkpointID.String(), fmt.Errorf("checkpoint already resolved"))
	}

	switch decision.Type {
	case "approve":
		cp.Status = model.CheckpointApproved
	case "reject":
		cp.Status = model.CheckpointRejected
	case "modify":
		cp.Status = model.CheckpointModified
	default:
		return kinderr.Invalid("executor.resume_after_review", checkpointID.String(), fmt.Errorf("unknown decision type %q", decision.Type))
	}
	decision.DecidedAt = time.Now()
	cp.Decision = decision
	cp.UpdatedAt = time.Now()
	if err := e.durable.UpdateCheckpoint(ctx, cp); err != nil {
		return err
	}
	_ = e.kv.RemoveReviewRequest(ctx, checkpointID)
	_ = e.kv.DequeueReview(ctx, checkpointID)
	if cp.Assignee != nil {
		_ = e.kv.DequeueReviewForUser(ctx, *cp.Assignee, checkpointID)
	}

	node, err := e.durable.GetNode(ctx, cp.NodeID)
	if err != nil {
		return err
	}
	// A modify decision is an edited approval, not a rejection: it takes
	// the approve branch carrying the reviewer's modifications along.
	branch := node.Config.RejectBranch
	if decision.Type == "approve" || decision.Type == "modify" {
		branch = node.Config.ApproveBranch
	}
	node.Status = model.NodeCompleted
	node.Output = map[string]any{"decision": decision, "__branch": branch}
	if decision.Modifications != nil {
		node.Output["modifications"] = decision.Modifications
	}
	if err := e.durable.UpdateNode(ctx, node); err != nil {
		return err
	}

	wf, err := e.durable.GetWorkflow(ctx, cp.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return kinderr.Conflict("executor.resume_after_review", cp.WorkflowID.String(), fmt.Errorf("workflow already reached a terminal state"))
	}

	go func() {
		runCtx := context.Background()
		if err := e.Run(runCtx, cp.WorkflowID); err != nil && !IsPaused(err) && !IsCancelled(err) {
			e.log.Error("executor: resumed run ended in error", "workflow_id", cp.WorkflowID, "error", err)
		}
	}()
	return nil
}

// CloneTemplate clones the named template workflow into a fresh,
// independently-addressable workflow and persists it in WorkflowPending
// state without starting it. Callers that need to track the run to
// completion (the scheduler's max_concurrent guard) should follow this
// with a direct Run call; callers that only want a fire-and-forget
// submission should use StartFromTemplate instead.
func (e *Engine) CloneTemplate(ctx context.Context, templateName string, input map[string]any) (*model.Workflow, error) {
	tmplWf, tmplNodes, tmplEdges, err := e.durable.GetWorkflowTemplate(ctx, templateName)
	if err != nil {
		return nil, err
	}

	wf := &model.Workflow{
		ID:         uuid.New(),
		Owner:      tmplWf.Owner,
		Name:       tmplWf.Name,
		Type:       tmplWf.Type,
		Status:     model.WorkflowPending,
		Context:    input,
		TotalNodes: len(tmplNodes),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	nodes := make([]*model.Node, 0, len(tmplNodes))
	idRemap := make(map[uuid.UUID]uuid.UUID, len(tmplNodes))
	for _, tn := range tmplNodes {
		newID := uuid.New()
		idRemap[tn.ID] = newID
		n := *tn
		n.ID = newID
		n.WorkflowID = wf.ID
		n.Status = model.NodePending
		n.SubtaskID = nil
		nodes = append(nodes, &n)
	}
	edges := make([]*model.Edge, 0, len(tmplEdges))
	for _, te := range tmplEdges {
		ed := *te
		ed.ID = uuid.New()
		ed.WorkflowID = wf.ID
		ed.From = idRemap[te.From]
		ed.To = idRemap[te.To]
		edges = append(edges, &ed)
	}
	if err := e.durable.CreateWorkflow(ctx, wf, nodes, edges); err != nil {
		return nil, err
	}
	return wf, nil
}

// StartFromTemplate clones templateName and starts it asynchronously,
// returning as soon as the clone is persisted rather than waiting on
// the run itself — the shape an HTTP submission endpoint wants.
func (e *Engine) StartFromTemplate(ctx context.Context, templateName string, input map[string]any) (*model.Workflow, error) {
	wf, err := e.CloneTemplate(ctx, templateName, input)
	if err != nil {
		return nil, err
	}
	go func() {
		runCtx := context.Background()
		if err := e.Run(runCtx, wf.ID); err != nil && !IsPaused(err) && !IsCancelled(err) {
			e.log.Error("executor: template-started run ended in error", "workflow_id", wf.ID, "template", templateName, "error", err)
		}
	}()
	return wf, nil
}

// Cancel sets the workflow's cancel flag. If the workflow is actively
// running, the main loop observes it at the next iteration boundary and
// raises workflow-cancelled; otherwise (it is paused awaiting review or
// not running at all) the workflow and its open checkpoints are closed
// out directly.
func (e *Engine) Cancel(ctx context.Context, workflowID uuid.UUID) error {
	e.mu.Lock()
	r, active := e.runs[workflowID]
	e.mu.Unlock()
	if active {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		return nil
	}

	wf, err := e.durable.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return nil
	}
	wf.Status = model.WorkflowCancelled
	if err := e.durable.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	return e.cancelOpenCheckpoints(ctx, workflowID)
}

// cancelOpenCheckpoints closes every still-pending checkpoint of
// workflowID as cancelled and drops it from the review queue indexes,
// so a reviewer never sees a review request for a workflow that no
// longer exists to resume.
func (e *Engine) cancelOpenCheckpoints(ctx context.Context, workflowID uuid.UUID) error {
	cps, err := e.durable.ListPendingCheckpointsByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	for _, cp := range cps {
		cp.Status = model.CheckpointCancelled
		if err := e.durable.UpdateCheckpoint(ctx, cp); err != nil {
			return err
		}
		_ = e.kv.RemoveReviewRequest(ctx, cp.ID)
		_ = e.kv.DequeueReview(ctx, cp.ID)
		if cp.Assignee != nil {
			_ = e.kv.DequeueReviewForUser(ctx, *cp.Assignee, cp.ID)
		}
	}
	return nil
}

// Pause sets the workflow's pause flag for an actively running workflow.
// The loop persists its ready-queue/in-degree state node-by-node as it
// settles, so Run can reconstruct it on a later resume.
func (e *Engine) Pause(workflowID uuid.UUID) error {
	e.mu.Lock()
	r, active := e.runs[workflowID]
	e.mu.Unlock()
	if !active {
		return kinderr.NotFound("executor.pause", workflowID.String(), fmt.Errorf("workflow is not actively running"))
	}
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	return nil
}

// Resume re-enters Run for a workflow that was paused without a pending
// human review (an operator-issued Pause, not a HUMAN-REVIEW node).
func (e *Engine) Resume(ctx context.Context, workflowID uuid.UUID) error {
	return e.Run(ctx, workflowID)
}
