package main

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// telemetryTracer returns a tracer bound to the global provider that
// telemetry.InitTracer installed.
func telemetryTracer() trace.Tracer {
	return otel.Tracer(serviceName)
}

// otelMeter returns a meter bound to the global provider that
// telemetry.InitMetrics installed.
func otelMeter() metric.Meter {
	return otel.Meter(serviceName)
}

// noopMeter backs one-shot CLI subcommands that talk to the durable
// store without standing up the full metrics pipeline.
func noopMeter() metric.Meter {
	return noopmetric.MeterProvider{}.Meter(serviceName)
}
