// Package scheduler instantiates stored workflow templates on a
// recurring cron basis, so a maintenance or audit workflow can run
// without a human submitting it every time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskmesh/internal/executor"
	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/store"
)

// Scheduler owns a cron instance whose entries launch stored workflow
// templates via the executor. One entry per schedule; a running
// counter per schedule guards against pile-up if a previous run of
// the same template is still in flight.
type Scheduler struct {
	cron    *cron.Cron
	durable store.Durable
	engine  *executor.Engine
	log     *slog.Logger
	tracer  trace.Tracer

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter

	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID
	running map[uuid.UUID]int
}

func New(durable store.Durable, engine *executor.Engine, log *slog.Logger, tracer trace.Tracer, scheduleRuns, scheduleFails metric.Int64Counter) *Scheduler {
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		durable:       durable,
		engine:        engine,
		log:           log,
		tracer:        tracer,
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		entries:       make(map[uuid.UUID]cron.EntryID),
		running:       make(map[uuid.UUID]int),
	}
}

// Start begins firing cron entries. Call RestoreSchedules first to
// re-register whatever was persisted before the process last exited.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop waits up to ctx's deadline for in-flight cron jobs to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers a new cron entry and persists it so it
// survives a restart.
func (s *Scheduler) AddSchedule(ctx context.Context, cronExpr, templateName string, maxConcurrent int) (*store.Schedule, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(
			attribute.String("template", templateName),
			attribute.String("cron_expr", cronExpr),
		),
	)
	defer span.End()

	sch := &store.Schedule{
		ID:            uuid.New(),
		CronExpr:      cronExpr,
		TemplateName:  templateName,
		MaxConcurrent: maxConcurrent,
		CreatedAt:     time.Now(),
	}
	if err := s.durable.CreateSchedule(ctx, sch); err != nil {
		return nil, err
	}
	if err := s.register(sch); err != nil {
		_ = s.durable.DeleteSchedule(ctx, sch.ID)
		return nil, err
	}
	return sch, nil
}

func (s *Scheduler) register(sch *store.Schedule) error {
	entryID, err := s.cron.AddFunc(sch.CronExpr, func() { s.fire(sch) })
	if err != nil {
		return kinderr.Invalid("scheduler.add_schedule", sch.TemplateName, fmt.Errorf("invalid cron expression %q: %w", sch.CronExpr, err))
	}
	s.mu.Lock()
	s.entries[sch.ID] = entryID
	s.mu.Unlock()
	return nil
}

// RemoveSchedule unregisters a cron entry and deletes its persisted
// record.
func (s *Scheduler) RemoveSchedule(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	entryID, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		delete(s.running, id)
	}
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entryID)
	}
	return s.durable.DeleteSchedule(ctx, id)
}

// ListSchedules returns every persisted schedule.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]*store.Schedule, error) {
	return s.durable.ListSchedules(ctx)
}

// RestoreSchedules re-registers every persisted schedule's cron entry,
// called once on boot before Start.
func (s *Scheduler) RestoreSchedules(ctx context.Context) error {
	schedules, err := s.durable.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	restored, failed := 0, 0
	for _, sch := range schedules {
		if err := s.register(sch); err != nil {
			s.log.Error("failed to restore schedule", "template", sch.TemplateName, "error", err)
			failed++
			continue
		}
		restored++
	}
	s.log.Info("schedules restored", "restored", restored, "failed", failed)
	return nil
}

// fire is the cron callback: it enforces the schedule's max_concurrent
// guard, then hands the template to the executor.
func (s *Scheduler) fire(sch *store.Schedule) {
	ctx := context.Background()
	ctx, span := s.tracer.Start(ctx, "scheduler.fire",
		trace.WithAttributes(attribute.String("template", sch.TemplateName)),
	)
	defer span.End()

	s.mu.Lock()
	if sch.MaxConcurrent > 0 && s.running[sch.ID] >= sch.MaxConcurrent {
		s.mu.Unlock()
		s.log.Warn("schedule skipped: max concurrent runs reached", "template", sch.TemplateName, "max_concurrent", sch.MaxConcurrent)
		span.AddEvent("skipped_max_concurrent")
		return
	}
	s.running[sch.ID]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[sch.ID]--
		s.mu.Unlock()
	}()

	wf, err := s.engine.CloneTemplate(ctx, sch.TemplateName, map[string]any{})
	if err != nil {
		s.log.Error("scheduled workflow failed to clone", "template", sch.TemplateName, "error", err)
		s.fail(ctx, sch)
		return
	}

	start := time.Now()
	runErr := s.engine.Run(ctx, wf.ID)
	if runErr != nil && !executor.IsPaused(runErr) && !executor.IsCancelled(runErr) {
		s.log.Error("scheduled workflow run failed", "template", sch.TemplateName, "workflow_id", wf.ID, "error", runErr)
		s.fail(ctx, sch)
		return
	}
	s.log.Info("scheduled workflow finished", "template", sch.TemplateName, "workflow_id", wf.ID, "duration_ms", time.Since(start).Milliseconds())
	if s.scheduleRuns != nil {
		s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("template", sch.TemplateName)))
	}
}

func (s *Scheduler) fail(ctx context.Context, sch *store.Schedule) {
	if s.scheduleFails != nil {
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("template", sch.TemplateName)))
	}
}
