package allocator

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store/memory"
	"github.com/swarmguard/taskmesh/internal/wsproto"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestToolScore(t *testing.T) {
	s := &model.Subtask{RecommendedTool: "browser"}
	exact := &model.Worker{Tools: []string{"browser", "shell"}}
	other := &model.Worker{Tools: []string{"shell"}}
	none := &model.Worker{}

	if got := ToolScore(s, exact); got != 1.0 {
		t.Fatalf("expected exact match score 1.0, got %v", got)
	}
	if got := ToolScore(s, other); got != 0.5 {
		t.Fatalf("expected partial match score 0.5, got %v", got)
	}
	if got := ToolScore(s, none); got != 0.0 {
		t.Fatalf("expected empty tools score 0.0, got %v", got)
	}
}

func TestPrivacyScore(t *testing.T) {
	sensitive := &model.Subtask{Privacy: "sensitive"}
	normal := &model.Subtask{Privacy: "normal"}
	localOnly := &model.Worker{Tools: []string{"llm@local"}}
	mixed := &model.Worker{Tools: []string{"llm@local", "translate-api"}}
	cloudOnly := &model.Worker{Tools: []string{"translate-api"}}

	if got := PrivacyScore(normal, cloudOnly); got != 1.0 {
		t.Fatalf("expected normal-privacy task to score 1.0 for any worker, got %v", got)
	}
	if got := PrivacyScore(sensitive, localOnly); got != 1.0 {
		t.Fatalf("expected local-only worker to score 1.0, got %v", got)
	}
	if got := PrivacyScore(sensitive, mixed); got != 0.8 {
		t.Fatalf("expected mixed worker to score 0.8, got %v", got)
	}
	if got := PrivacyScore(sensitive, cloudOnly); got != 0.5 {
		t.Fatalf("expected cloud-only worker to score 0.5, got %v", got)
	}
}

func dialWorker(t *testing.T, m *connmgr.Manager, workerID uuid.UUID) *websocket.Conn {
	t.Helper()
	upg := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upg.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		m.Accept(r.Context(), workerID, ws)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.IsConnected(workerID) {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker never connected")
	return nil
}

func TestRunCycleCommitsBestPairing(t *testing.T) {
	ctx := context.Background()
	durable := memory.NewDurable()
	kv := memory.NewKV()
	conns := connmgr.New(2*time.Second, nil, testLogger())
	meter := noopmetric.MeterProvider{}.Meter("test")
	attempts, _ := meter.Int64Counter("attempts")
	tracer := nooptrace.NewTracerProvider().Tracer("test")

	workflowID := uuid.New()
	if err := durable.CreateWorkflow(ctx, &model.Workflow{ID: workflowID}, nil, nil); err != nil {
		t.Fatalf("create workflow: %v", err)
	}

	subtaskID := uuid.New()
	subtask := &model.Subtask{
		ID:              subtaskID,
		WorkflowID:      workflowID,
		RecommendedTool: "browser",
		Priority:        5,
		Status:          model.SubtaskPending,
		CreatedAt:       time.Now(),
	}
	if err := durable.CreateSubtask(ctx, subtask); err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	workerID := uuid.New()
	worker := &model.Worker{ID: workerID, MachineID: "m1", Tools: []string{"browser"}, Status: model.WorkerIdle}
	if err := durable.UpsertWorker(ctx, worker); err != nil {
		t.Fatalf("upsert worker: %v", err)
	}

	client := dialWorker(t, conns, workerID)

	a := New(DefaultConfig(), durable, kv, conns, testLogger(), tracer, attempts)
	if err := a.RunCycle(ctx, workflowID); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	got, err := durable.GetSubtask(ctx, subtaskID)
	if err != nil {
		t.Fatalf("get subtask: %v", err)
	}
	if got.Status != model.SubtaskInProgress {
		t.Fatalf("expected subtask in-progress, got %s", got.Status)
	}
	if got.AssignedWorker == nil || *got.AssignedWorker != workerID {
		t.Fatalf("expected subtask assigned to worker, got %+v", got.AssignedWorker)
	}

	gotWorker, err := durable.GetWorker(ctx, workerID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if gotWorker.Status != model.WorkerBusy {
		t.Fatalf("expected worker busy, got %s", gotWorker.Status)
	}

	var frame wsproto.Frame
	client.SetReadDeadline(time.Now().Add(time.Second))
	if err := client.ReadJSON(&frame); err != nil {
		t.Fatalf("read assignment frame: %v", err)
	}
	if frame.Type != wsproto.TypeTaskAssignment {
		t.Fatalf("expected task_assignment frame, got %s", frame.Type)
	}
}

func TestRunCycleSkipsWhenNoWorkerMeetsThreshold(t *testing.T) {
	ctx := context.Background()
	durable := memory.NewDurable()
	kv := memory.NewKV()
	conns := connmgr.New(2*time.Second, nil, testLogger())
	meter := noopmetric.MeterProvider{}.Meter("test")
	attempts, _ := meter.Int64Counter("attempts")
	tracer := nooptrace.NewTracerProvider().Tracer("test")

	workflowID := uuid.New()
	if err := durable.CreateWorkflow(ctx, &model.Workflow{ID: workflowID}, nil, nil); err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	subtaskID := uuid.New()
	subtask := &model.Subtask{
		ID: subtaskID, WorkflowID: workflowID, RecommendedTool: "browser",
		Privacy: "sensitive", Status: model.SubtaskPending, CreatedAt: time.Now(),
	}
	if err := durable.CreateSubtask(ctx, subtask); err != nil {
		t.Fatalf("create subtask: %v", err)
	}

	workerID := uuid.New()
	worker := &model.Worker{
		ID: workerID, MachineID: "m2", Status: model.WorkerIdle,
		Metrics: model.ResourceMetrics{CPUPercent: 0.99, MemoryPercent: 0.99, DiskPercent: 0.99},
	}
	if err := durable.UpsertWorker(ctx, worker); err != nil {
		t.Fatalf("upsert worker: %v", err)
	}
	dialWorker(t, conns, workerID)

	a := New(DefaultConfig(), durable, kv, conns, testLogger(), tracer, attempts)
	if err := a.RunCycle(ctx, workflowID); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	got, err := durable.GetSubtask(ctx, subtaskID)
	if err != nil {
		t.Fatalf("get subtask: %v", err)
	}
	if got.Status != model.SubtaskPending {
		t.Fatalf("expected subtask to remain pending, got %s", got.Status)
	}
}

func TestOpenBreakerCountReflectsFailures(t *testing.T) {
	durable := memory.NewDurable()
	kv := memory.NewKV()
	conns := connmgr.New(2*time.Second, nil, testLogger())
	meter := noopmetric.MeterProvider{}.Meter("test")
	attempts, _ := meter.Int64Counter("attempts")
	tracer := nooptrace.NewTracerProvider().Tracer("test")

	a := New(DefaultConfig(), durable, kv, conns, testLogger(), tracer, attempts)
	if got := a.OpenBreakerCount(); got != 0 {
		t.Fatalf("expected no open breakers initially, got %d", got)
	}

	workerID := uuid.New()
	cb := a.breakerFor(workerID)
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if got := a.OpenBreakerCount(); got != 1 {
		t.Fatalf("expected one open breaker after enough failures to trip minSamples, got %d", got)
	}
}
