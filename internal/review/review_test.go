package review

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
	"github.com/swarmguard/taskmesh/internal/executor"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestCoordinator(t *testing.T) (*Coordinator, *memory.Durable, *memory.KV) {
	t.Helper()
	durable := memory.NewDurable()
	kv := memory.NewKV()
	conns := connmgr.New(2*time.Second, nil, testLogger())
	meter := noopmetric.MeterProvider{}.Meter("test")
	completed, _ := meter.Int64Counter("nodes_completed")
	failed, _ := meter.Int64Counter("nodes_failed")
	decisions, _ := meter.Int64Counter("review_decisions")
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	engine := executor.New(executor.DefaultConfig(), durable, kv, conns, nil, nil, testLogger(), tracer, completed, failed)
	c := New(durable, kv, engine, tracer, decisions)
	return c, durable, kv
}

func setupPausedApprovalWorkflow(t *testing.T, durable *memory.Durable, kv *memory.KV, reviewType string, required []string) (*model.Workflow, *model.Node, *model.Checkpoint) {
	t.Helper()
	ctx := context.Background()

	review := &model.Node{
		ID:   uuid.New(),
		Name: "review",
		Kind: model.NodeHumanReview,
		Config: model.NodeConfig{
			ApproveBranch:  "approved",
			RejectBranch:   "rejected",
			ReviewType:     reviewType,
			RequiredFields: required,
		},
		Status:    model.NodeWaiting,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	approved := &model.Node{ID: uuid.New(), Name: "approved", Kind: model.NodeTask, Status: model.NodePending, RetryPolicy: model.DefaultRetryPolicy()}
	rejected := &model.Node{ID: uuid.New(), Name: "rejected", Kind: model.NodeTask, Status: model.NodePending, RetryPolicy: model.DefaultRetryPolicy()}
	nodes := []*model.Node{review, approved, rejected}

	wf := &model.Workflow{ID: uuid.New(), Name: "test", Type: model.WorkflowGraph, Status: model.WorkflowPaused, TotalNodes: len(nodes), Context: map[string]any{}}
	for _, n := range nodes {
		n.WorkflowID = wf.ID
	}
	edges := []*model.Edge{
		{ID: uuid.New(), WorkflowID: wf.ID, From: review.ID, To: approved.ID, Label: "approved"},
		{ID: uuid.New(), WorkflowID: wf.ID, From: review.ID, To: rejected.ID, Label: "rejected"},
	}
	if err := durable.CreateWorkflow(ctx, wf, nodes, edges); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	cp := &model.Checkpoint{
		ID:         uuid.New(),
		WorkflowID: wf.ID,
		NodeID:     review.ID,
		Status:     model.CheckpointPending,
		ExpiresAt:  time.Now().Add(time.Hour),
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := durable.CreateCheckpoint(ctx, cp); err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}
	if err := kv.EnqueueReview(ctx, cp.ID, cp.CreatedAt); err != nil {
		t.Fatalf("enqueue review: %v", err)
	}
	return wf, review, cp
}

func TestListPendingResolvesQueuedCheckpoints(t *testing.T) {
	c, durable, kv := newTestCoordinator(t)
	_, _, cp := setupPausedApprovalWorkflow(t, durable, kv, "approval", nil)

	pending, err := c.ListPending(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != cp.ID {
		t.Fatalf("expected one pending checkpoint %s, got %v", cp.ID, pending)
	}
}

func TestSubmitDecisionRejectsMissingRequiredField(t *testing.T) {
	c, durable, kv := newTestCoordinator(t)
	_, _, cp := setupPausedApprovalWorkflow(t, durable, kv, "input", []string{"summary"})

	decision := &model.Decision{Type: "modify", Reviewer: "alice", Modifications: map[string]any{}}
	if err := c.SubmitDecision(context.Background(), cp.ID, decision); err == nil {
		t.Fatalf("expected validation error for missing required field")
	}

	got, err := durable.GetCheckpoint(context.Background(), cp.ID)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.Status != model.CheckpointPending {
		t.Fatalf("expected checkpoint to remain pending after rejected decision, got %s", got.Status)
	}
}

func TestSubmitDecisionAcceptsSatisfiedRequiredField(t *testing.T) {
	c, durable, kv := newTestCoordinator(t)
	_, _, cp := setupPausedApprovalWorkflow(t, durable, kv, "input", []string{"summary"})

	decision := &model.Decision{Type: "modify", Reviewer: "alice", Modifications: map[string]any{"summary": "looks fine"}}
	if err := c.SubmitDecision(context.Background(), cp.ID, decision); err != nil {
		t.Fatalf("submit decision: %v", err)
	}

	got, err := durable.GetCheckpoint(context.Background(), cp.ID)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.Status != model.CheckpointModified {
		t.Fatalf("expected checkpoint modified, got %s", got.Status)
	}

	queue, _ := kv.ListReviewQueue(context.Background())
	for _, id := range queue {
		if id == cp.ID {
			t.Fatalf("expected resolved checkpoint removed from review queue")
		}
	}
}

func TestSubmitDecisionApprovalSkipsValidation(t *testing.T) {
	c, durable, kv := newTestCoordinator(t)
	_, _, cp := setupPausedApprovalWorkflow(t, durable, kv, "approval", nil)

	decision := &model.Decision{Type: "approve", Reviewer: "bob"}
	if err := c.SubmitDecision(context.Background(), cp.ID, decision); err != nil {
		t.Fatalf("submit decision: %v", err)
	}

	got, err := durable.GetCheckpoint(context.Background(), cp.ID)
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if got.Status != model.CheckpointApproved {
		t.Fatalf("expected checkpoint approved, got %s", got.Status)
	}
}
