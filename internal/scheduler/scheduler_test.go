package scheduler

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
	"github.com/swarmguard/taskmesh/internal/store"
	"github.com/swarmguard/taskmesh/internal/store/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestScheduler(t *testing.T) (*Scheduler, *memory.Durable) {
	t.Helper()
	durable := memory.NewDurable()
	kv := memory.NewKV()
	conns := connmgr.New(2*time.Second, nil, testLogger())
	meter := noopmetric.MeterProvider{}.Meter("test")
	completed, _ := meter.Int64Counter("nodes_completed")
	failed, _ := meter.Int64Counter("nodes_failed")
	runs, _ := meter.Int64Counter("schedule_runs")
	fails, _ := meter.Int64Counter("schedule_fails")
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	engine := executor.New(executor.DefaultConfig(), durable, kv, conns, nil, nil, testLogger(), tracer, completed, failed)
	s := New(durable, engine, testLogger(), tracer, runs, fails)
	return s, durable
}

func seedTemplate(t *testing.T, durable *memory.Durable, name string) {
	t.Helper()
	only := &model.Node{
		ID:          uuid.New(),
		Name:        "only",
		Kind:        model.NodeTask,
		Status:      model.NodePending,
		RetryPolicy: model.DefaultRetryPolicy(),
	}
	tmpl := &model.Workflow{
		ID:         uuid.New(),
		Name:       name,
		Type:       model.WorkflowGraph,
		Status:     model.WorkflowDraft,
		IsTemplate: true,
		TotalNodes: 1,
		Context:    map[string]any{},
	}
	only.WorkflowID = tmpl.ID
	if err := durable.CreateWorkflow(context.Background(), tmpl, []*model.Node{only}, nil); err != nil {
		t.Fatalf("seed template: %v", err)
	}
}

func TestAddScheduleRegistersAndPersists(t *testing.T) {
	s, durable := newTestScheduler(t)
	seedTemplate(t, durable, "nightly-audit")

	sch, err := s.AddSchedule(context.Background(), "0 0 3 * * *", "nightly-audit", 1)
	if err != nil {
		t.Fatalf("add schedule: %v", err)
	}

	listed, err := s.ListSchedules(context.Background())
	if err != nil || len(listed) != 1 || listed[0].ID != sch.ID {
		t.Fatalf("expected one persisted schedule, got %v err=%v", listed, err)
	}

	s.mu.Lock()
	_, registered := s.entries[sch.ID]
	s.mu.Unlock()
	if !registered {
		t.Fatalf("expected cron entry registered for schedule")
	}
}

func TestAddScheduleRejectsInvalidCronExpr(t *testing.T) {
	s, durable := newTestScheduler(t)
	seedTemplate(t, durable, "bad-cron")

	if _, err := s.AddSchedule(context.Background(), "not a cron expr", "bad-cron", 0); err == nil {
		t.Fatalf("expected invalid cron expression to be rejected")
	}

	listed, err := s.ListSchedules(context.Background())
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected no persisted schedule after registration failure, got %v", listed)
	}
}

func TestRemoveScheduleUnregistersAndDeletes(t *testing.T) {
	s, durable := newTestScheduler(t)
	seedTemplate(t, durable, "cleanup")

	sch, err := s.AddSchedule(context.Background(), "0 0 4 * * *", "cleanup", 0)
	if err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	if err := s.RemoveSchedule(context.Background(), sch.ID); err != nil {
		t.Fatalf("remove schedule: %v", err)
	}

	listed, err := s.ListSchedules(context.Background())
	if err != nil || len(listed) != 0 {
		t.Fatalf("expected schedule removed, got %v err=%v", listed, err)
	}
	s.mu.Lock()
	_, stillRegistered := s.entries[sch.ID]
	s.mu.Unlock()
	if stillRegistered {
		t.Fatalf("expected cron entry unregistered")
	}
}

func seedEmptyTemplate(t *testing.T, durable *memory.Durable, name string) {
	t.Helper()
	tmpl := &model.Workflow{
		ID:         uuid.New(),
		Name:       name,
		Type:       model.WorkflowGraph,
		Status:     model.WorkflowDraft,
		IsTemplate: true,
		Context:    map[string]any{},
	}
	if err := durable.CreateWorkflow(context.Background(), tmpl, nil, nil); err != nil {
		t.Fatalf("seed empty template: %v", err)
	}
}

func TestFireClonesAndRunsTemplateToCompletion(t *testing.T) {
	s, durable := newTestScheduler(t)
	seedEmptyTemplate(t, durable, "runnable")

	sch := &store.Schedule{ID: uuid.New(), TemplateName: "runnable", MaxConcurrent: 1}
	s.fire(sch)

	s.mu.Lock()
	running := s.running[sch.ID]
	s.mu.Unlock()
	if running != 0 {
		t.Fatalf("expected running counter reset to 0 after fire returns, got %d", running)
	}
}

func TestFireSkipsWhenMaxConcurrentReached(t *testing.T) {
	s, durable := newTestScheduler(t)
	seedEmptyTemplate(t, durable, "busy")

	sch := &store.Schedule{ID: uuid.New(), TemplateName: "busy", MaxConcurrent: 1}
	s.mu.Lock()
	s.running[sch.ID] = 1
	s.mu.Unlock()

	s.fire(sch)

	s.mu.Lock()
	running := s.running[sch.ID]
	s.mu.Unlock()
	if running != 1 {
		t.Fatalf("expected running counter untouched by a skipped fire, got %d", running)
	}
}
