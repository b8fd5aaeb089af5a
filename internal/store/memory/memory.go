// Package memory provides in-process fakes for store.Durable and store.KV,
// used by package tests across the allocator, executor, reaper and review
// coordinator without a live Postgres/Redis instance.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store"
)

// Durable is an in-memory store.Durable.
type Durable struct {
	mu          sync.Mutex
	workflows   map[uuid.UUID]*model.Workflow
	nodes       map[uuid.UUID]*model.Node
	edges       map[uuid.UUID]*model.Edge
	subtasks    map[uuid.UUID]*model.Subtask
	workers     map[uuid.UUID]*model.Worker
	checkpoints map[uuid.UUID]*model.Checkpoint
	schedules   map[uuid.UUID]*store.Schedule
}

// NewDurable returns an empty in-memory durable store.
func NewDurable() *Durable {
	return &Durable{
		workflows:   make(map[uuid.UUID]*model.Workflow),
		nodes:       make(map[uuid.UUID]*model.Node),
		edges:       make(map[uuid.UUID]*model.Edge),
		subtasks:    make(map[uuid.UUID]*model.Subtask),
		workers:     make(map[uuid.UUID]*model.Worker),
		checkpoints: make(map[uuid.UUID]*model.Checkpoint),
		schedules:   make(map[uuid.UUID]*store.Schedule),
	}
}

func (d *Durable) Close() {}

func (d *Durable) CreateWorkflow(ctx context.Context, wf *model.Workflow, nodes []*model.Node, edges []*model.Edge) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *wf
	d.workflows[wf.ID] = &cp
	for _, n := range nodes {
		ncp := *n
		d.nodes[n.ID] = &ncp
	}
	for _, e := range edges {
		ecp := *e
		d.edges[e.ID] = &ecp
	}
	return nil
}

func (d *Durable) GetWorkflow(ctx context.Context, id uuid.UUID) (*model.Workflow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wf, ok := d.workflows[id]
	if !ok {
		return nil, kinderr.NotFound("get_workflow", "workflow", nil)
	}
	cp := *wf
	return &cp, nil
}

func (d *Durable) GetWorkflowTemplate(ctx context.Context, templateName string) (*model.Workflow, []*model.Node, []*model.Edge, error) {
	d.mu.Lock()
	var found *model.Workflow
	for _, wf := range d.workflows {
		if wf.IsTemplate && wf.Name == templateName {
			cp := *wf
			found = &cp
			break
		}
	}
	d.mu.Unlock()
	if found == nil {
		return nil, nil, nil, kinderr.NotFound("get_workflow_template", "workflow", nil)
	}
	nodes, _ := d.ListNodes(ctx, found.ID)
	edges, _ := d.ListEdges(ctx, found.ID)
	return found, nodes, edges, nil
}

func (d *Durable) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.workflows[wf.ID]
	if !ok {
		return kinderr.NotFound("update_workflow", "workflow", nil)
	}
	if existing.Version != wf.Version {
		return kinderr.Conflict("update_workflow", "workflow", nil)
	}
	cp := *wf
	cp.Version = wf.Version + 1
	cp.UpdatedAt = time.Now()
	d.workflows[wf.ID] = &cp
	wf.Version = cp.Version
	return nil
}

func (d *Durable) ArchiveTemplate(ctx context.Context, wf *model.Workflow) error {
	return nil
}

func (d *Durable) ListNodes(ctx context.Context, workflowID uuid.UUID) ([]*model.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Node
	for _, n := range d.nodes {
		if n.WorkflowID == workflowID {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *Durable) ListEdges(ctx context.Context, workflowID uuid.UUID) ([]*model.Edge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Edge
	for _, e := range d.edges {
		if e.WorkflowID == workflowID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *Durable) GetNode(ctx context.Context, id uuid.UUID) (*model.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[id]
	if !ok {
		return nil, kinderr.NotFound("get_node", "node", nil)
	}
	cp := *n
	return &cp, nil
}

func (d *Durable) UpdateNode(ctx context.Context, n *model.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.nodes[n.ID]
	if !ok {
		return kinderr.NotFound("update_node", "node", nil)
	}
	if existing.Version != n.Version {
		return kinderr.Conflict("update_node", "node", nil)
	}
	cp := *n
	cp.Version = n.Version + 1
	cp.UpdatedAt = time.Now()
	d.nodes[n.ID] = &cp
	n.Version = cp.Version
	return nil
}

func (d *Durable) AppendNodesAndEdges(ctx context.Context, workflowID uuid.UUID, nodes []*model.Node, edges []*model.Edge) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	wf, ok := d.workflows[workflowID]
	if !ok {
		return kinderr.NotFound("append_nodes_edges", "workflow", nil)
	}
	for _, n := range nodes {
		ncp := *n
		d.nodes[n.ID] = &ncp
	}
	for _, e := range edges {
		ecp := *e
		d.edges[e.ID] = &ecp
	}
	wf.TotalNodes += len(nodes)
	wf.UpdatedAt = time.Now()
	return nil
}

func (d *Durable) CreateSubtask(ctx context.Context, s *model.Subtask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *s
	d.subtasks[s.ID] = &cp
	return nil
}

func (d *Durable) GetSubtask(ctx context.Context, id uuid.UUID) (*model.Subtask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.subtasks[id]
	if !ok {
		return nil, kinderr.NotFound("get_subtask", "subtask", nil)
	}
	cp := *s
	return &cp, nil
}

func (d *Durable) UpdateSubtask(ctx context.Context, s *model.Subtask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.subtasks[s.ID]
	if !ok {
		return kinderr.NotFound("update_subtask", "subtask", nil)
	}
	if existing.Version != s.Version {
		return kinderr.Conflict("update_subtask", "subtask", nil)
	}
	cp := *s
	cp.Version = s.Version + 1
	cp.UpdatedAt = time.Now()
	d.subtasks[s.ID] = &cp
	s.Version = cp.Version
	return nil
}

func (d *Durable) ListReadySubtasks(ctx context.Context, workflowID uuid.UUID) ([]*model.Subtask, error) {
	all, _ := d.ListSubtasksByWorkflow(ctx, workflowID)
	completed := make(map[uuid.UUID]bool, len(all))
	for _, s := range all {
		if s.Status == model.SubtaskCompleted {
			completed[s.ID] = true
		}
	}
	var ready []*model.Subtask
	for _, s := range all {
		if s.ReadyGivenCompleted(completed) {
			ready = append(ready, s)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	return ready, nil
}

func (d *Durable) ListSubtasksByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*model.Subtask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Subtask
	for _, s := range d.subtasks {
		if s.WorkflowID == workflowID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *Durable) UpsertWorker(ctx context.Context, w *model.Worker) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.workers {
		if existing.MachineID == w.MachineID {
			w.ID = existing.ID
			w.CreatedAt = existing.CreatedAt
			w.Version = existing.Version
			cp := *w
			d.workers[w.ID] = &cp
			return nil
		}
	}
	cp := *w
	d.workers[w.ID] = &cp
	return nil
}

func (d *Durable) GetWorker(ctx context.Context, id uuid.UUID) (*model.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[id]
	if !ok {
		return nil, kinderr.NotFound("get_worker", "worker", nil)
	}
	cp := *w
	return &cp, nil
}

func (d *Durable) GetWorkerByMachineID(ctx context.Context, machineID string) (*model.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.workers {
		if w.MachineID == machineID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, kinderr.NotFound("get_worker_by_machine_id", "worker", nil)
}

func (d *Durable) GetWorkerByAPIKeyID(ctx context.Context, keyID string) (*model.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, w := range d.workers {
		if w.APIKeyID == keyID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, kinderr.NotFound("get_worker_by_api_key_id", "worker", nil)
}

func (d *Durable) DeleteWorker(ctx context.Context, workerID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.workers[workerID]; !ok {
		return kinderr.NotFound("delete_worker", "worker", nil)
	}
	for _, s := range d.subtasks {
		if s.AssignedWorker != nil && *s.AssignedWorker == workerID && s.Status == model.SubtaskInProgress {
			s.Status = model.SubtaskPending
			s.AssignedWorker = nil
			s.Version++
			s.UpdatedAt = time.Now()
		}
	}
	delete(d.workers, workerID)
	return nil
}

func (d *Durable) UpdateWorker(ctx context.Context, w *model.Worker) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.workers[w.ID]
	if !ok {
		return kinderr.NotFound("update_worker", "worker", nil)
	}
	if existing.Version != w.Version {
		return kinderr.Conflict("update_worker", "worker", nil)
	}
	cp := *w
	cp.Version = w.Version + 1
	cp.UpdatedAt = time.Now()
	d.workers[w.ID] = &cp
	w.Version = cp.Version
	return nil
}

func (d *Durable) ListIdleWorkers(ctx context.Context) ([]*model.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Worker
	for _, w := range d.workers {
		if w.Status == model.WorkerIdle {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *Durable) ListStaleWorkers(ctx context.Context, olderThan time.Time) ([]*model.Worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Worker
	for _, w := range d.workers {
		if w.Status != model.WorkerOffline && w.LastHeartbeat.Before(olderThan) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *Durable) RecoverDeadWorker(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[workerID]
	if !ok {
		return nil, kinderr.NotFound("recover_dead_worker", "worker", nil)
	}
	w.Status = model.WorkerOffline
	w.Version++
	w.UpdatedAt = time.Now()

	var recovered []uuid.UUID
	for _, s := range d.subtasks {
		if s.AssignedWorker == nil || *s.AssignedWorker != workerID || s.Status != model.SubtaskInProgress {
			continue
		}
		if s.Output == nil {
			s.Output = map[string]any{}
		}
		count, _ := s.Output["recovery_count"].(int)
		s.Output["recovery_count"] = count + 1
		s.Status = model.SubtaskPending
		s.AssignedWorker = nil
		s.Version++
		s.UpdatedAt = time.Now()
		recovered = append(recovered, s.ID)
	}
	return recovered, nil
}

func (d *Durable) CommitAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.subtasks[subtaskID]
	if !ok {
		return kinderr.NotFound("commit_assignment", "subtask", nil)
	}
	if s.Status != model.SubtaskPending {
		return kinderr.Conflict("commit_assignment", "subtask", nil)
	}
	w, ok := d.workers[workerID]
	if !ok {
		return kinderr.NotFound("commit_assignment", "worker", nil)
	}
	if w.Status != model.WorkerIdle && w.Status != model.WorkerOnline {
		return kinderr.Conflict("commit_assignment", "worker", nil)
	}

	now := time.Now()
	s.Status = model.SubtaskInProgress
	s.AssignedWorker = &workerID
	s.Version++
	s.UpdatedAt = now
	w.Status = model.WorkerBusy
	w.Version++
	w.UpdatedAt = now
	return nil
}

func (d *Durable) ReleaseAssignment(ctx context.Context, subtaskID, workerID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if s, ok := d.subtasks[subtaskID]; ok && s.AssignedWorker != nil && *s.AssignedWorker == workerID {
		s.Status = model.SubtaskPending
		s.AssignedWorker = nil
		s.Version++
		s.UpdatedAt = now
	}
	if w, ok := d.workers[workerID]; ok && w.Status == model.WorkerBusy {
		w.Status = model.WorkerIdle
		w.Version++
		w.UpdatedAt = now
	}
	return nil
}

func (d *Durable) CreateCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *c
	d.checkpoints[c.ID] = &cp
	return nil
}

func (d *Durable) GetCheckpoint(ctx context.Context, id uuid.UUID) (*model.Checkpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.checkpoints[id]
	if !ok {
		return nil, kinderr.NotFound("get_checkpoint", "checkpoint", nil)
	}
	cp := *c
	return &cp, nil
}

func (d *Durable) UpdateCheckpoint(ctx context.Context, c *model.Checkpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.checkpoints[c.ID]
	if !ok {
		return kinderr.NotFound("update_checkpoint", "checkpoint", nil)
	}
	if existing.Version != c.Version {
		return kinderr.Conflict("update_checkpoint", "checkpoint", nil)
	}
	cp := *c
	cp.Version = c.Version + 1
	cp.UpdatedAt = time.Now()
	d.checkpoints[c.ID] = &cp
	c.Version = cp.Version
	return nil
}

func (d *Durable) ListExpiredCheckpoints(ctx context.Context, asOf time.Time) ([]*model.Checkpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Checkpoint
	for _, c := range d.checkpoints {
		if c.Status == model.CheckpointPending && asOf.After(c.ExpiresAt) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *Durable) ListPendingCheckpointsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*model.Checkpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Checkpoint
	for _, c := range d.checkpoints {
		if c.WorkflowID == workflowID && c.Status == model.CheckpointPending {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (d *Durable) CreateSchedule(ctx context.Context, sch *store.Schedule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *sch
	d.schedules[sch.ID] = &cp
	return nil
}

func (d *Durable) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.schedules, id)
	return nil
}

func (d *Durable) ListSchedules(ctx context.Context) ([]*store.Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*store.Schedule
	for _, sch := range d.schedules {
		cp := *sch
		out = append(out, &cp)
	}
	return out, nil
}

var _ store.Durable = (*Durable)(nil)
