// Command orchestrator runs the task-orchestration control plane: the
// DAG executor, task allocator, worker connection manager, heartbeat
// reaper, review coordinator, workflow scheduler, and their admin HTTP
// surface, all in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/swarmguard/taskmesh/internal/allocator"
	"github.com/swarmguard/taskmesh/internal/api"
	"github.com/swarmguard/taskmesh/internal/config"
	"github.com/swarmguard/taskmesh/internal/connmgr"
	"github.com/swarmguard/taskmesh/internal/executor"
	"github.com/swarmguard/taskmesh/internal/logging"
	"github.com/swarmguard/taskmesh/internal/reaper"
	"github.com/swarmguard/taskmesh/internal/review"
	"github.com/swarmguard/taskmesh/internal/scheduler"
	"github.com/swarmguard/taskmesh/internal/store/postgres"
	"github.com/swarmguard/taskmesh/internal/store/redis"
	"github.com/swarmguard/taskmesh/internal/telemetry"
)

const serviceName = "orchestrator"

func main() {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Task orchestration control plane: DAG executor, allocator, worker connection manager",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), config.FromViper(v))
		},
	}
	if err := config.BindFlags(rootCmd, v); err != nil {
		panic(fmt.Errorf("bind flags: %w", err))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("config file read failed", "error", err)
		}
	}
	rootCmd.AddCommand(newIssueWorkerKeyCmd(v))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
}

// serve wires every component and blocks until ctx is cancelled
// (SIGINT/SIGTERM), then drains in-flight work within a bounded window.
func serve(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log := logging.Init(serviceName)

	shutdownTrace := telemetry.InitTracer(ctx, cfg.OTelServiceName)
	shutdownMetrics, metrics := telemetry.InitMetrics(ctx, cfg.OTelServiceName)
	tracer := telemetryTracer()

	durable, err := postgres.New(ctx, cfg.PostgresDSN, otelMeter())
	if err != nil {
		return fmt.Errorf("connect durable store: %w", err)
	}
	defer durable.Close()

	kv, err := redis.New(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("connect kv store: %w", err)
	}
	defer kv.Close()

	// connmgr.New requires its frame handler up front, but the handler's
	// real collaborator (the executor) isn't constructed until after
	// conns exists (the allocator needs conns too). engine is wired into
	// the closure by reference and assigned below, before the manager
	// ever accepts a connection.
	var engine *executor.Engine
	conns := connmgr.New(cfg.HeartbeatInterval, frameHandler(&engine, durable, log), log)

	allocCfg := allocator.Config{
		Weights:  allocator.Weights{Tool: cfg.AllocatorToolWeight, Resource: cfg.AllocatorResourceWeight, Privacy: cfg.AllocatorPrivacyWeight},
		MinScore: cfg.AllocatorMinScore,
	}
	alloc := allocator.New(allocCfg, durable, kv, conns, log, tracer, metrics.AllocationAttempts)

	execCfg := executor.Config{MaxParallel: cfg.ExecutorMaxParallel}
	engine = executor.New(execCfg, durable, kv, conns, alloc, nil, log, tracer, metrics.NodesCompleted, metrics.NodesFailed)

	reaperCfg := reaper.Config{Interval: cfg.ReaperInterval, StaleAfter: cfg.ReaperStaleAfter, DeadAfter: cfg.ReaperDeadAfter}
	hr := reaper.New(reaperCfg, durable, kv, conns, log, metrics.WorkersReaped, metrics.CheckpointsExpired)

	reviews := review.New(durable, kv, engine, tracer, metrics.ReviewDecisions)

	sched := scheduler.New(durable, engine, log, tracer, metrics.ScheduleRuns, metrics.ScheduleFails)
	if err := sched.RestoreSchedules(ctx); err != nil {
		log.Error("failed to restore schedules", "error", err)
	}
	sched.Start()

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go hr.Run(reaperCtx)

	srv := api.New(durable, engine, reviews, sched, conns, log)
	mux := srv.Mux()
	mux.Handle("/v1/workers/connect", connmgr.NewHandshakeServer(conns, durable, workerVerifier(kv), log))

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	log.Info("orchestrator started", "addr", cfg.HTTPAddr)

	select {
	case <-ctx.Done():
		log.Info("shutdown initiated")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server error", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	stopReaper()
	_ = sched.Stop(shutdownCtx)
	telemetry.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	log.Info("shutdown complete")
	return nil
}
