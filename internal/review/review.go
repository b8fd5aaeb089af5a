// Package review is the paused-workflow review front door: it lists
// checkpoints awaiting a human decision and validates/submits that
// decision before handing the workflow back to the executor.
package review

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskmesh/internal/executor"
	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store"
)

// Coordinator is the paused-node registry: the durable store is the
// source of truth for each checkpoint, the KV store holds the
// sorted-set indexes used to list pending reviews by assignee without
// scanning every checkpoint row.
type Coordinator struct {
	durable store.Durable
	kv      store.KV
	engine  *executor.Engine

	tracer    trace.Tracer
	decisions metric.Int64Counter
}

func New(durable store.Durable, kv store.KV, engine *executor.Engine, tracer trace.Tracer, decisions metric.Int64Counter) *Coordinator {
	return &Coordinator{durable: durable, kv: kv, engine: engine, tracer: tracer, decisions: decisions}
}

// ListPending returns every checkpoint in the global review queue,
// ordered oldest-first.
func (c *Coordinator) ListPending(ctx context.Context) ([]*model.Checkpoint, error) {
	ids, err := c.kv.ListReviewQueue(ctx)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, ids)
}

// ListPendingForUser returns the checkpoints queued for a specific
// assignee, ordered oldest-first.
func (c *Coordinator) ListPendingForUser(ctx context.Context, userID string) ([]*model.Checkpoint, error) {
	ids, err := c.kv.ListReviewQueueForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.resolve(ctx, ids)
}

func (c *Coordinator) resolve(ctx context.Context, ids []uuid.UUID) ([]*model.Checkpoint, error) {
	out := make([]*model.Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp, err := c.durable.GetCheckpoint(ctx, id)
		if err != nil {
			// The KV index and the durable row can drift apart on a crash
			// between the two writes; skip rather than fail the whole list.
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// SubmitDecision validates decision against the checkpoint's node
// configuration and, if valid, resolves the workflow via the
// executor's resume-after-review path.
func (c *Coordinator) SubmitDecision(ctx context.Context, checkpointID uuid.UUID, decision *model.Decision) error {
	ctx, span := c.tracer.Start(ctx, "review.submit_decision",
		trace.WithAttributes(
			attribute.String("checkpoint_id", checkpointID.String()),
			attribute.String("decision_type", decision.Type),
		),
	)
	defer span.End()

	cp, err := c.durable.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	node, err := c.durable.GetNode(ctx, cp.NodeID)
	if err != nil {
		return err
	}
	if err := validateDecision(node, decision); err != nil {
		span.AddEvent("decision_rejected")
		return err
	}

	if err := c.engine.ResumeAfterReview(ctx, checkpointID, decision); err != nil {
		return err
	}
	if c.decisions != nil {
		c.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("decision_type", decision.Type)))
	}
	span.AddEvent("decision_recorded")
	return nil
}

// validateDecision enforces the checkpoint's required-field contract
// for "input"-type reviews: a modify decision must supply every field
// the node declared required, since those fields feed the resumed
// node's output and, through it, any downstream expression evaluation.
func validateDecision(node *model.Node, decision *model.Decision) error {
	if node.Config.ReviewType != "input" {
		return nil
	}
	if decision.Type != "modify" {
		return nil
	}
	for _, field := range node.Config.RequiredFields {
		if _, ok := decision.Modifications[field]; !ok {
			return kinderr.Invalid("review.submit_decision", node.ID.String(),
				fmt.Errorf("missing required field %q", field))
		}
	}
	return nil
}
