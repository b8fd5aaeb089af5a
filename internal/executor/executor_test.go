package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestEngine(t *testing.T) (*Engine, *memory.Durable, *memory.KV) {
	t.Helper()
	durable := memory.NewDurable()
	kv := memory.NewKV()
	conns := connmgr.New(2*time.Second, nil, testLogger())
	meter := noopmetric.MeterProvider{}.Meter("test")
	completed, _ := meter.Int64Counter("nodes_completed")
	failed, _ := meter.Int64Counter("nodes_failed")
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	e := New(DefaultConfig(), durable, kv, conns, nil, nil, testLogger(), tracer, completed, failed)
	return e, durable, kv
}

func newWorkflow(t *testing.T, durable *memory.Durable, nodes []*model.Node, edges []*model.Edge) *model.Workflow {
	t.Helper()
	wf := &model.Workflow{
		ID:         uuid.New(),
		Name:       "test",
		Type:       model.WorkflowGraph,
		Status:     model.WorkflowDraft,
		TotalNodes: len(nodes),
		Context:    map[string]any{},
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	ctx := context.Background()
	if err := durable.CreateWorkflow(ctx, wf, nodes, edges); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	return wf
}

func taskNode(workflowID uuid.UUID, name string) *model.Node {
	return &model.Node{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		Name:        name,
		Kind:        model.NodeTask,
		Status:      model.NodePending,
		RetryPolicy: model.DefaultRetryPolicy(),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

// runAndDeliver runs the engine in a goroutine and feeds a fixed output to
// every TASK subtask it sees as soon as the subtask appears in the durable
// store, up to expectedTasks deliveries. It returns once Run finishes.
func runAndDeliver(t *testing.T, e *Engine, durable *memory.Durable, workflowID uuid.UUID, expectedTasks int) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), workflowID) }()

	delivered := map[uuid.UUID]bool{}
	deadline := time.Now().Add(5 * time.Second)
	for len(delivered) < expectedTasks && time.Now().Before(deadline) {
		subtasks, _ := durable.ListSubtasksByWorkflow(context.Background(), workflowID)
		for _, s := range subtasks {
			if delivered[s.ID] || s.Status != model.SubtaskPending {
				continue
			}
			delivered[s.ID] = true
			if err := e.HandleSubtaskResult(context.Background(), s.ID, map[string]any{"ok": true}, ""); err != nil {
				t.Errorf("deliver subtask result: %v", err)
			}
		}
		if len(delivered) < expectedTasks {
			time.Sleep(5 * time.Millisecond)
		}
	}
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("workflow run did not finish")
		return nil
	}
}

func TestLinearTaskChainCompletes(t *testing.T) {
	e, durable, _ := newTestEngine(t)

	a := taskNode(uuid.Nil, "a")
	b := taskNode(uuid.Nil, "b")
	c := taskNode(uuid.Nil, "c")
	nodes := []*model.Node{a, b, c}
	wf := newWorkflow(t, durable, nodes, nil)
	for _, n := range nodes {
		n.WorkflowID = wf.ID
	}
	edges := []*model.Edge{
		{ID: uuid.New(), WorkflowID: wf.ID, From: a.ID, To: b.ID},
		{ID: uuid.New(), WorkflowID: wf.ID, From: b.ID, To: c.ID},
	}
	// Recreate with edges wired; CreateWorkflow above already persisted
	// bare nodes, so persist the edges directly.
	durable.CreateWorkflow(context.Background(), wf, nodes, edges)

	if err := runAndDeliver(t, e, durable, wf.ID, 3); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := durable.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != model.WorkflowCompleted {
		t.Fatalf("expected workflow completed, got %s", got.Status)
	}
	for _, n := range nodes {
		node, err := durable.GetNode(context.Background(), n.ID)
		if err != nil {
			t.Fatalf("get node %s: %v", n.Name, err)
		}
		if node.Status != model.NodeCompleted {
			t.Fatalf("node %s: expected completed, got %s", n.Name, node.Status)
		}
	}
}

func TestConditionSkipsFalseBranch(t *testing.T) {
	e, durable, _ := newTestEngine(t)

	cond := &model.Node{
		ID: uuid.New(), Name: "check", Kind: model.NodeCondition, Status: model.NodePending,
		Config:    model.NodeConfig{Expression: "flag"},
		Input:     map[string]any{"flag": false},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	onTrue := taskNode(uuid.Nil, "on-true")
	onFalse := taskNode(uuid.Nil, "on-false")
	nodes := []*model.Node{cond, onTrue, onFalse}
	wf := newWorkflow(t, durable, nodes, nil)
	for _, n := range nodes {
		n.WorkflowID = wf.ID
	}
	edges := []*model.Edge{
		{ID: uuid.New(), WorkflowID: wf.ID, From: cond.ID, To: onTrue.ID, Label: "true"},
		{ID: uuid.New(), WorkflowID: wf.ID, From: cond.ID, To: onFalse.ID, Label: "false"},
	}
	durable.CreateWorkflow(context.Background(), wf, nodes, edges)

	if err := runAndDeliver(t, e, durable, wf.ID, 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	skipped, err := durable.GetNode(context.Background(), onTrue.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if skipped.Status != model.NodeSkipped {
		t.Fatalf("expected on-true skipped, got %s", skipped.Status)
	}
	ran, err := durable.GetNode(context.Background(), onFalse.ID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if ran.Status != model.NodeCompleted {
		t.Fatalf("expected on-false completed, got %s", ran.Status)
	}
}

func TestParallelSplitJoinMergesAll(t *testing.T) {
	e, durable, _ := newTestEngine(t)

	split := &model.Node{
		ID: uuid.New(), Name: "split", Kind: model.NodeParallelSplit, Status: model.NodePending,
		Config:    model.NodeConfig{Branches: []string{"branch-a", "branch-b"}, JoinNode: "join"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	branchA := taskNode(uuid.Nil, "branch-a")
	branchB := taskNode(uuid.Nil, "branch-b")
	join := &model.Node{
		ID: uuid.New(), Name: "join", Kind: model.NodeParallelJoin, Status: model.NodePending,
		Config:    model.NodeConfig{Strategy: model.JoinAll},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	nodes := []*model.Node{split, branchA, branchB, join}
	wf := newWorkflow(t, durable, nodes, nil)
	for _, n := range nodes {
		n.WorkflowID = wf.ID
	}
	// split -> branchA/branchB edges are never walked (branches dispatch
	// directly by name, see dispatchParallelSplit), but they still need to
	// exist so the branch entries don't start at in-degree zero and get
	// picked up as initial-ready nodes before the split itself runs.
	edges := []*model.Edge{
		{ID: uuid.New(), WorkflowID: wf.ID, From: split.ID, To: branchA.ID},
		{ID: uuid.New(), WorkflowID: wf.ID, From: split.ID, To: branchB.ID},
		{ID: uuid.New(), WorkflowID: wf.ID, From: branchA.ID, To: join.ID},
		{ID: uuid.New(), WorkflowID: wf.ID, From: branchB.ID, To: join.ID},
	}
	durable.CreateWorkflow(context.Background(), wf, nodes, edges)

	if err := runAndDeliver(t, e, durable, wf.ID, 2); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := durable.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != model.WorkflowCompleted {
		t.Fatalf("expected workflow completed, got %s", got.Status)
	}
	joinNode, err := durable.GetNode(context.Background(), join.ID)
	if err != nil {
		t.Fatalf("get join node: %v", err)
	}
	if joinNode.Status != model.NodeCompleted {
		t.Fatalf("expected join completed, got %s", joinNode.Status)
	}
	if len(joinNode.Output) != 2 {
		t.Fatalf("expected merged output from both branches, got %v", joinNode.Output)
	}
}

func TestHumanReviewPausesAndResumes(t *testing.T) {
	e, durable, kv := newTestEngine(t)

	before := taskNode(uuid.Nil, "before")
	review := &model.Node{
		ID: uuid.New(), Name: "review", Kind: model.NodeHumanReview, Status: model.NodePending,
		Config:    model.NodeConfig{ApproveBranch: "approved", RejectBranch: "rejected"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	approved := taskNode(uuid.Nil, "approved")
	rejected := taskNode(uuid.Nil, "rejected")
	nodes := []*model.Node{before, review, approved, rejected}
	wf := newWorkflow(t, durable, nodes, nil)
	for _, n := range nodes {
		n.WorkflowID = wf.ID
	}
	edges := []*model.Edge{
		{ID: uuid.New(), WorkflowID: wf.ID, From: before.ID, To: review.ID},
		{ID: uuid.New(), WorkflowID: wf.ID, From: review.ID, To: approved.ID, Label: "approved"},
		{ID: uuid.New(), WorkflowID: wf.ID, From: review.ID, To: rejected.ID, Label: "rejected"},
	}
	durable.CreateWorkflow(context.Background(), wf, nodes, edges)

	if err := runAndDeliver(t, e, durable, wf.ID, 1); !IsPaused(err) {
		t.Fatalf("expected workflow-paused, got %v", err)
	}

	reviewNode, err := durable.GetNode(context.Background(), review.ID)
	if err != nil {
		t.Fatalf("get review node: %v", err)
	}
	if reviewNode.Status != model.NodeWaiting {
		t.Fatalf("expected review node waiting, got %s", reviewNode.Status)
	}

	queued, err := kv.ListReviewQueue(context.Background())
	if err != nil || len(queued) != 1 {
		t.Fatalf("expected one queued review, got %v err=%v", queued, err)
	}
	cp, err := durable.GetCheckpoint(context.Background(), queued[0])
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}

	decision := &model.Decision{Type: "approve", Reviewer: "alice"}
	if err := e.ResumeAfterReview(context.Background(), cp.ID, decision); err != nil {
		t.Fatalf("resume after review: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		subtasks, _ := durable.ListSubtasksByWorkflow(context.Background(), wf.ID)
		delivered := false
		for _, s := range subtasks {
			if s.Status == model.SubtaskPending {
				if err := e.HandleSubtaskResult(context.Background(), s.ID, map[string]any{"ok": true}, ""); err == nil {
					delivered = true
				}
			}
		}
		wf2, _ := durable.GetWorkflow(context.Background(), wf.ID)
		if wf2 != nil && wf2.Status.Terminal() {
			break
		}
		if !delivered {
			time.Sleep(5 * time.Millisecond)
		}
	}

	final, err := durable.GetWorkflow(context.Background(), wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if final.Status != model.WorkflowCompleted {
		t.Fatalf("expected workflow completed after resume, got %s", final.Status)
	}
	approvedNode, _ := durable.GetNode(context.Background(), approved.ID)
	if approvedNode.Status != model.NodeCompleted {
		t.Fatalf("expected approved branch completed, got %s", approvedNode.Status)
	}
	rejectedNode, _ := durable.GetNode(context.Background(), rejected.ID)
	if rejectedNode.Status != model.NodeSkipped {
		t.Fatalf("expected rejected branch skipped, got %s", rejectedNode.Status)
	}
}
