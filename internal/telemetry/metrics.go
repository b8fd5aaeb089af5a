package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
)

// Metrics holds the instruments the executor, allocator, reaper and
// scheduler publish to.
type Metrics struct {
	NodesDispatched    metric.Int64Counter
	NodesCompleted     metric.Int64Counter
	NodesFailed        metric.Int64Counter
	AllocationAttempts metric.Int64Counter
	WorkersReaped      metric.Int64Counter
	CheckpointsExpired metric.Int64Counter
	ReviewDecisions    metric.Int64Counter
	ScheduleRuns       metric.Int64Counter
	ScheduleFails      metric.Int64Counter
}

// InitMetrics sets up the global OTLP metrics exporter and returns its
// shutdown function plus the common instrument set.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithInsecure()),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed", "error", err)
		return func(context.Context) error { return nil }, newInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, newInstruments()
}

func newInstruments() Metrics {
	meter := otel.Meter(tracerName)
	nodesDispatched, _ := meter.Int64Counter("taskmesh_nodes_dispatched_total")
	nodesCompleted, _ := meter.Int64Counter("taskmesh_nodes_completed_total")
	nodesFailed, _ := meter.Int64Counter("taskmesh_nodes_failed_total")
	allocationAttempts, _ := meter.Int64Counter("taskmesh_allocation_attempts_total")
	workersReaped, _ := meter.Int64Counter("taskmesh_workers_reaped_total")
	checkpointsExpired, _ := meter.Int64Counter("taskmesh_checkpoints_expired_total")
	reviewDecisions, _ := meter.Int64Counter("taskmesh_review_decisions_total")
	scheduleRuns, _ := meter.Int64Counter("taskmesh_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("taskmesh_schedule_fails_total")
	return Metrics{
		NodesDispatched:    nodesDispatched,
		NodesCompleted:     nodesCompleted,
		NodesFailed:        nodesFailed,
		AllocationAttempts: allocationAttempts,
		WorkersReaped:      workersReaped,
		CheckpointsExpired: checkpointsExpired,
		ReviewDecisions:    reviewDecisions,
		ScheduleRuns:       scheduleRuns,
		ScheduleFails:      scheduleFails,
	}
}
