package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/store"
)

type ttlEntry struct {
	subtaskID uuid.UUID
	expiresAt time.Time
}

type zEntry struct {
	id    uuid.UUID
	score int64
}

// KV is an in-memory store.KV fake, used by package tests in place of a
// real backing store.
type KV struct {
	mu              sync.Mutex
	currentTask     map[uuid.UUID]ttlEntry
	workerStatus    map[uuid.UUID]model.WorkerStatus
	queue           []uuid.UUID
	inProgress      map[uuid.UUID]bool
	reviewRequests  map[uuid.UUID]*model.Checkpoint
	reviewQueue     []zEntry
	reviewUserQueue map[string][]zEntry
	blacklist       map[string]bool
}

func NewKV() *KV {
	return &KV{
		currentTask:     make(map[uuid.UUID]ttlEntry),
		workerStatus:    make(map[uuid.UUID]model.WorkerStatus),
		inProgress:      make(map[uuid.UUID]bool),
		reviewRequests:  make(map[uuid.UUID]*model.Checkpoint),
		reviewUserQueue: make(map[string][]zEntry),
		blacklist:       make(map[string]bool),
	}
}

func (k *KV) Close() error { return nil }

func (k *KV) SetWorkerCurrentTask(ctx context.Context, workerID, subtaskID uuid.UUID, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.currentTask[workerID] = ttlEntry{subtaskID: subtaskID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (k *KV) ClearWorkerCurrentTask(ctx context.Context, workerID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.currentTask, workerID)
	return nil
}

func (k *KV) GetWorkerCurrentTask(ctx context.Context, workerID uuid.UUID) (uuid.UUID, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.currentTask[workerID]
	if !ok {
		return uuid.Nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(k.currentTask, workerID)
		return uuid.Nil, false, nil
	}
	return entry.subtaskID, true, nil
}

func (k *KV) SetWorkerStatus(ctx context.Context, workerID uuid.UUID, status model.WorkerStatus) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.workerStatus[workerID] = status
	return nil
}

func (k *KV) EnqueueSubtask(ctx context.Context, subtaskID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.queue = append([]uuid.UUID{subtaskID}, k.queue...)
	return nil
}

func (k *KV) DequeueAllSubtasks(ctx context.Context) ([]uuid.UUID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]uuid.UUID, len(k.queue))
	copy(out, k.queue)
	return out, nil
}

func (k *KV) RemoveQueuedSubtask(ctx context.Context, subtaskID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := k.queue[:0]
	for _, id := range k.queue {
		if id != subtaskID {
			out = append(out, id)
		}
	}
	k.queue = out
	return nil
}

func (k *KV) MarkInProgress(ctx context.Context, subtaskID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.inProgress[subtaskID] = true
	return nil
}

func (k *KV) ClearInProgress(ctx context.Context, subtaskID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.inProgress, subtaskID)
	return nil
}

func (k *KV) IsInProgress(ctx context.Context, subtaskID uuid.UUID) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.inProgress[subtaskID], nil
}

func (k *KV) PutReviewRequest(ctx context.Context, checkpointID uuid.UUID, c *model.Checkpoint) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	cp := *c
	k.reviewRequests[checkpointID] = &cp
	return nil
}

func (k *KV) RemoveReviewRequest(ctx context.Context, checkpointID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.reviewRequests, checkpointID)
	return nil
}

func (k *KV) EnqueueReview(ctx context.Context, checkpointID uuid.UUID, createdAt time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reviewQueue = append(k.reviewQueue, zEntry{id: checkpointID, score: createdAt.UnixNano()})
	return nil
}

func (k *KV) EnqueueReviewForUser(ctx context.Context, userID string, checkpointID uuid.UUID, createdAt time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reviewUserQueue[userID] = append(k.reviewUserQueue[userID], zEntry{id: checkpointID, score: createdAt.UnixNano()})
	return nil
}

func (k *KV) DequeueReview(ctx context.Context, checkpointID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reviewQueue = removeZEntry(k.reviewQueue, checkpointID)
	return nil
}

func (k *KV) DequeueReviewForUser(ctx context.Context, userID string, checkpointID uuid.UUID) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reviewUserQueue[userID] = removeZEntry(k.reviewUserQueue[userID], checkpointID)
	return nil
}

func removeZEntry(entries []zEntry, id uuid.UUID) []zEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

func (k *KV) ListReviewQueue(ctx context.Context) ([]uuid.UUID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return sortedIDs(k.reviewQueue), nil
}

func (k *KV) ListReviewQueueForUser(ctx context.Context, userID string) ([]uuid.UUID, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return sortedIDs(k.reviewUserQueue[userID]), nil
}

func sortedIDs(entries []zEntry) []uuid.UUID {
	sorted := make([]zEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].score < sorted[j].score })
	out := make([]uuid.UUID, len(sorted))
	for i, e := range sorted {
		out[i] = e.id
	}
	return out
}

func (k *KV) BlacklistKey(ctx context.Context, keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.blacklist[keyID] = true
	return nil
}

func (k *KV) IsBlacklisted(ctx context.Context, keyID string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.blacklist[keyID], nil
}

var _ store.KV = (*KV)(nil)
