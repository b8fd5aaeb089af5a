package executor

import (
	"context"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/model"
)

// settle applies a finished dispatch's outcome to the run: persists the
// node, updates workflow context, and propagates readiness or skip status
// to its successors. Returns every node id now ready to dispatch and how
// many nodes this call finally settled (for the coordinator's outstanding
// count).
func (e *Engine) settle(ctx context.Context, r *run, res nodeResult) (newlyReady []uuid.UUID, settledCount int, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[res.nodeID]
	if !ok || r.settled[res.nodeID] {
		return nil, 0, false
	}

	if res.status == model.NodeWaiting {
		// HUMAN-REVIEW paused the workflow; leave the node unsettled so a
		// later Run (after resume-after-review updates it directly in
		// the durable store) picks it up as already complete.
		n.Status = model.NodeWaiting
		_ = e.durable.UpdateNode(ctx, n)
		return nil, 0, false
	}

	if res.status == model.NodeFailed {
		n.Status = model.NodeFailed
		n.Error = res.errMsg
		_ = e.durable.UpdateNode(ctx, n)
		r.settled[n.ID] = true
		settledCount = 1
		failed = true
		if e.nodesFailed != nil {
			e.nodesFailed.Add(ctx, 1)
		}
		if joinID, ok := r.branchJoin[n.ID]; ok {
			if split := r.splits[joinID]; split != nil && split.failFast {
				split.failed = true
			}
		}
		for _, ed := range r.outgoing[n.ID] {
			rd, sk := e.advance(ctx, r, ed.To, false)
			newlyReady = append(newlyReady, rd...)
			settledCount += sk
		}
		return
	}

	n.Status = model.NodeCompleted
	n.Output = res.output
	if res.label != "" {
		if n.Output == nil {
			n.Output = map[string]any{}
		}
		n.Output["__branch"] = res.label
	}
	_ = e.durable.UpdateNode(ctx, n)
	r.settled[n.ID] = true
	settledCount = 1
	if e.nodesCompleted != nil {
		e.nodesCompleted.Add(ctx, 1)
	}
	if r.wf.Context == nil {
		r.wf.Context = map[string]any{}
	}
	if n.Name != "" {
		r.wf.Context[n.Name] = res.output
	}
	if joinID, ok := r.branchJoin[n.ID]; ok {
		if split := r.splits[joinID]; split != nil {
			split.outputs[n.ID] = res.output
		}
	}

	// A loop-body-terminal node's back edge re-enters the loop node
	// directly, bypassing in-degree bookkeeping, as long as the loop
	// hasn't already exited.
	for _, ed := range r.backEdges[n.ID] {
		if !r.settled[ed.To] {
			newlyReady = append(newlyReady, ed.To)
		}
	}

	switch n.Kind {
	case model.NodeParallelSplit:
		newlyReady = append(newlyReady, branchEntries(r, n)...)
		return

	case model.NodeLoop:
		if res.label == "continue" {
			// Not actually terminal: reopen it so it can fire again once
			// the body cycles back.
			r.settled[n.ID] = false
			settledCount = 0
			if id, ok := r.byName[n.Config.LoopBodyEntry]; ok && !r.settled[id] {
				r.resetForReentry(id)
				newlyReady = append(newlyReady, id)
			}
			return
		}
		if id, ok := r.byName[n.Config.LoopExit]; ok && !r.settled[id] {
			r.inDegree[id] = 0
			newlyReady = append(newlyReady, id)
		}
		return
	}

	var liveLabel *string
	if n.Kind == model.NodeCondition || n.Kind == model.NodeRouter {
		l := res.label
		liveLabel = &l
	}
	for _, ed := range r.outgoing[n.ID] {
		live := liveLabel == nil || ed.Label == *liveLabel
		rd, sk := e.advance(ctx, r, ed.To, live)
		newlyReady = append(newlyReady, rd...)
		settledCount += sk
	}
	return
}

// advance records one edge arrival at `to`: decrements its in-degree and,
// if the edge carried a live (non-skipped) result, its live-arrival count.
// Once every incoming edge has arrived, `to` either becomes ready to
// dispatch (it had at least one live arrival) or is itself skipped and the
// skip cascades to its own successors. Caller must hold r.mu.
func (e *Engine) advance(ctx context.Context, r *run, to uuid.UUID, isLive bool) ([]uuid.UUID, int) {
	if r.settled[to] {
		return nil, 0
	}
	r.inDegree[to]--
	if isLive {
		r.liveArrivals[to]++
	}
	if r.inDegree[to] > 0 {
		return nil, 0
	}
	if r.liveArrivals[to] > 0 {
		return []uuid.UUID{to}, 0
	}

	tn, ok := r.nodes[to]
	if !ok {
		return nil, 0
	}
	tn.Status = model.NodeSkipped
	_ = e.durable.UpdateNode(ctx, tn)
	r.settled[to] = true

	var ready []uuid.UUID
	skipped := 1
	for _, ed := range r.outgoing[to] {
		rd, sk := e.advance(ctx, r, ed.To, false)
		ready = append(ready, rd...)
		skipped += sk
	}
	return ready, skipped
}

// branchOf reports the edge label a previously-completed node chose, if
// any, so a replay can treat only the matching outgoing edge as live.
func branchOf(n *model.Node) (string, bool) {
	if n.Output == nil {
		return "", false
	}
	v, ok := n.Output["__branch"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// resetForReentry clears the settled flag and the live-arrival count of a
// loop's body-entry node so it can be dispatched again. Its in-degree is
// left as it is, and no other node of the body is reset.
func (r *run) resetForReentry(id uuid.UUID) {
	r.settled[id] = false
	r.liveArrivals[id] = 0
}
