package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/executor"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/review"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/store/memory"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T) (*Server, *memory.Durable) {
	t.Helper()
	durable := memory.NewDurable()
	kv := memory.NewKV()
	conns := connmgr.New(2*time.Second, nil, testLogger())
	meter := noopmetric.MeterProvider{}.Meter("test")
	completed, _ := meter.Int64Counter("nodes_completed")
	failed, _ := meter.Int64Counter("nodes_failed")
	decisions, _ := meter.Int64Counter("review_decisions")
	runs, _ := meter.Int64Counter("schedule_runs")
	fails, _ := meter.Int64Counter("schedule_fails")
	tracer := nooptrace.NewTracerProvider().Tracer("test")

	engine := executor.New(executor.DefaultConfig(), durable, kv, conns, nil, nil, testLogger(), tracer, completed, failed)
	reviews := review.New(durable, kv, engine, tracer, decisions)
	sched := scheduler.New(durable, engine, testLogger(), tracer, runs, fails)

	return New(durable, engine, reviews, sched, conns, testLogger()), durable
}

func seedRunnableTemplate(t *testing.T, durable *memory.Durable, name string) {
	t.Helper()
	node := &model.Node{
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
	node.WorkflowID = tmpl.ID
	if err := durable.CreateWorkflow(context.Background(), tmpl, []*model.Node{node}, nil); err != nil {
		t.Fatalf("seed template: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if _, ok := body["workers_breaker_open"]; !ok {
		t.Fatalf("expected workers_breaker_open in health response, got %v", body)
	}
}

func TestHandleWorkersDelete(t *testing.T) {
	srv, durable := newTestServer(t)
	worker := &model.Worker{ID: uuid.New(), MachineID: "mac-1", Status: model.WorkerIdle}
	if err := durable.UpsertWorker(context.Background(), worker); err != nil {
		t.Fatalf("seed worker: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/workers?id="+worker.ID.String(), nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := durable.GetWorker(context.Background(), worker.ID); err == nil {
		t.Fatal("expected worker to be gone after delete")
	}
}

func TestHandleWorkersDeleteUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/v1/workers?id="+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown worker, got %d", rec.Code)
	}
}

func TestHandleWorkersRejectsGet(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/workers", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleWorkflowsStartAndGet(t *testing.T) {
	srv, durable := newTestServer(t)
	seedRunnableTemplate(t, durable, "onboarding")

	body, _ := json.Marshal(startWorkflowRequest{TemplateName: "onboarding", Input: map[string]any{"k": "v"}})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var started model.Workflow
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/workflows?id="+started.ID.String(), nil)
	getRec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestHandleWorkflowsRejectsMissingTemplateName(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(startWorkflowRequest{})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleWorkflowsGetUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/workflows?id="+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleReviewsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/reviews", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var pending []*model.Checkpoint
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending checkpoints, got %d", len(pending))
	}
}

func TestHandleSchedulesCreateListDelete(t *testing.T) {
	srv, durable := newTestServer(t)
	seedRunnableTemplate(t, durable, "nightly-report")

	body, _ := json.Marshal(addScheduleRequest{CronExpr: "*/5 * * * * *", TemplateName: "nightly-report", MaxConcurrent: 1})
	req := httptest.NewRequest(http.MethodPost, "/v1/schedules", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/schedules", nil)
	listRec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/v1/schedules?id="+created.ID.String(), nil)
	delRec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", delRec.Code, delRec.Body.String())
	}
}

func TestHandleSchedulesRejectsBadCron(t *testing.T) {
	srv, durable := newTestServer(t)
	seedRunnableTemplate(t, durable, "bad-cron-template")

	body, _ := json.Marshal(addScheduleRequest{CronExpr: "not-a-cron", TemplateName: "bad-cron-template", MaxConcurrent: 1})
	req := httptest.NewRequest(http.MethodPost, "/v1/schedules", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCancelWorkflowUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)
	body, _ := json.Marshal(cancelWorkflowRequest{WorkflowID: uuid.New()})
	req := httptest.NewRequest(http.MethodPost, "/v1/workflows/cancel", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown workflow, got %d", rec.Code)
	}
}

func TestHandleMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/v1/workflows", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
