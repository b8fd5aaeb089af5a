// Package postgres is the PostgreSQL-backed implementation of store.Durable,
// using jackc/pgx/v5 and a version column per row for optimistic
// concurrency.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/resilience"
	"github.com/swarmguard/taskmesh/internal/store"
)

// Store is a PostgreSQL-backed store.Durable.
type Store struct {
	pool *pgxpool.Pool

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// New opens a pool against dsn, applies Schema, and returns a ready Store.
func New(ctx context.Context, dsn string, meter metric.Meter) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	// The orchestrator and its database are often started by the same
	// compose/k8s rollout; a few retries absorb the window where
	// Postgres accepts TCP connections but hasn't finished recovery yet.
	if _, err := resilience.Retry(ctx, 5, 200*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskmesh_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskmesh_store_write_ms")

	return &Store{pool: pool, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) timeRead(ctx context.Context, op string, start time.Time) {
	if s.readLatency == nil {
		return
	}
	s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) timeWrite(ctx context.Context, op string, start time.Time) {
	if s.writeLatency == nil {
		return
	}
	s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", op)))
}

// wrapError classifies a pgx error into the kinderr taxonomy.
func wrapError(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return kinderr.NotFound(op, entity, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return kinderr.Unavailable(op, entity, err)
	}
	return kinderr.Internal(op, entity, err)
}

var _ store.Durable = (*Store)(nil)
