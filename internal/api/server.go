// Package api is the thin admin/health HTTP surface over the
// orchestrator's core: workflow submission and inspection, review
// decisions, and schedule management. It never implements auth,
// billing or notification delivery itself — those remain pluggable
// collaborators the executor invokes.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/executor"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/review"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/store"
)

// Server holds the collaborators the admin surface delegates to. All of
// them are constructed once in cmd/orchestrator and passed in here.
type Server struct {
	durable   store.Durable
	engine    *executor.Engine
	reviews   *review.Coordinator
	scheduler *scheduler.Scheduler
	conns     *connmgr.Manager
	log       *slog.Logger
}

func New(durable store.Durable, engine *executor.Engine, reviews *review.Coordinator, sched *scheduler.Scheduler, conns *connmgr.Manager, log *slog.Logger) *Server {
	return &Server{durable: durable, engine: engine, reviews: reviews, scheduler: sched, conns: conns, log: log}
}

// Mux builds the admin HTTP surface. The caller mounts it alongside the
// worker-handshake handler.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/workflows", s.handleWorkflows)
	mux.HandleFunc("/v1/workflows/cancel", s.handleCancelWorkflow)
	mux.HandleFunc("/v1/reviews", s.handleReviews)
	mux.HandleFunc("/v1/reviews/decide", s.handleDecideReview)
	mux.HandleFunc("/v1/schedules", s.handleSchedules)
	mux.HandleFunc("/v1/workers", s.handleWorkers)
	return mux
}

// handleHealth reports liveness plus how many workers are currently
// circuit-broken out of allocation, a cheap signal that the worker pool
// is unhealthy even while the orchestrator itself is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok", "workers_breaker_open": 0}
	if s.engine != nil {
		if alloc := s.engine.Allocator(); alloc != nil {
			resp["workers_breaker_open"] = alloc.OpenBreakerCount()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleWorkers implements the worker lifecycle's "deleted only by
// explicit operator action" invariant: DELETE ?id= removes the worker
// row and force-closes any live connection it still holds.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	idParam := r.URL.Query().Get("id")
	id, err := uuid.Parse(idParam)
	if err != nil {
		http.Error(w, "valid id query parameter required", http.StatusBadRequest)
		return
	}
	if err := s.durable.DeleteWorker(r.Context(), id); err != nil {
		s.log.Error("api: delete worker failed", "worker_id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.conns != nil {
		connmgr.DisconnectOnDelete(s.conns, id)
	}
	w.WriteHeader(http.StatusOK)
}

type startWorkflowRequest struct {
	TemplateName string         `json:"template_name"`
	Input        map[string]any `json:"input"`
}

// handleWorkflows: POST starts a workflow from a stored template, GET
// fetches one by id.
func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req startWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.TemplateName == "" {
			http.Error(w, "template_name required", http.StatusBadRequest)
			return
		}
		wf, err := s.engine.StartFromTemplate(r.Context(), req.TemplateName, req.Input)
		if err != nil {
			s.log.Error("api: start workflow failed", "template", req.TemplateName, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(wf)
		return

	case http.MethodGet:
		idParam := r.URL.Query().Get("id")
		id, err := uuid.Parse(idParam)
		if err != nil {
			http.Error(w, "valid id query parameter required", http.StatusBadRequest)
			return
		}
		wf, err := s.durable.GetWorkflow(r.Context(), id)
		if err != nil {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(wf)
		return

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type cancelWorkflowRequest struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cancelWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.engine.Cancel(r.Context(), req.WorkflowID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleReviews lists checkpoints awaiting a decision, optionally
// filtered to a single assignee via ?assignee=.
func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	assignee := r.URL.Query().Get("assignee")
	var (
		pending []*model.Checkpoint
		err     error
	)
	if assignee != "" {
		pending, err = s.reviews.ListPendingForUser(r.Context(), assignee)
	} else {
		pending, err = s.reviews.ListPending(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_ = json.NewEncoder(w).Encode(pending)
}

type decideReviewRequest struct {
	CheckpointID  uuid.UUID      `json:"checkpoint_id"`
	Type          string         `json:"type"`
	Comments      string         `json:"comments,omitempty"`
	Modifications map[string]any `json:"modifications,omitempty"`
	Reviewer      string         `json:"reviewer"`
}

func (s *Server) handleDecideReview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req decideReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	decision := &model.Decision{
		Type:          req.Type,
		Comments:      req.Comments,
		Modifications: req.Modifications,
		Reviewer:      req.Reviewer,
	}
	if err := s.reviews.SubmitDecision(r.Context(), req.CheckpointID, decision); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type addScheduleRequest struct {
	CronExpr      string `json:"cron_expr"`
	TemplateName  string `json:"template_name"`
	MaxConcurrent int    `json:"max_concurrent"`
}

// handleSchedules: POST registers a new cron schedule, GET lists all of
// them, DELETE (with ?id=) removes one.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req addScheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		sch, err := s.scheduler.AddSchedule(r.Context(), req.CronExpr, req.TemplateName, req.MaxConcurrent)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(sch)
		return

	case http.MethodGet:
		list, err := s.scheduler.ListSchedules(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(list)
		return

	case http.MethodDelete:
		idParam := r.URL.Query().Get("id")
		id, err := uuid.Parse(idParam)
		if err != nil {
			http.Error(w, "valid id query parameter required", http.StatusBadRequest)
			return
		}
		if err := s.scheduler.RemoveSchedule(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		return

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
