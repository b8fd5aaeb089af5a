// Package redis is the Redis-backed implementation of store.KV: strings
// for scalar keys, a list for subtasks:queue, a set for
// subtasks:in_progress, sorted sets for the review queues.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/swarmguard/taskmesh/internal/kinderr"
	"github.com/swarmguard/taskmesh/internal/model"
	"github.com/swarmguard/taskmesh/internal/resilience"
	"github.com/swarmguard/taskmesh/internal/store"
)

const (
	keySubtasksQueue      = "subtasks:queue"
	keySubtasksInProgress = "subtasks:in_progress"
	keyReviewQueue        = "review:queue"
	keyBlacklistSet       = "worker:api_key_blacklist"
)

func keyWorkerCurrentTask(id uuid.UUID) string { return "worker:current_task:" + id.String() }
func keyWorkerStatus(id uuid.UUID) string      { return "worker:status:" + id.String() }
func keyReviewRequest(id uuid.UUID) string     { return "review:request:" + id.String() }
func keyReviewUserQueue(userID string) string  { return "review:user:" + userID }

// KV is a Redis-backed store.KV.
type KV struct {
	client *goredis.Client
}

// New connects to addr and returns a ready KV.
func New(ctx context.Context, addr, password string, db int) (*KV, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := resilience.Retry(pingCtx, 5, 100*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, client.Ping(pingCtx).Err()
	}); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &KV{client: client}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *goredis.Client) *KV { return &KV{client: client} }

func (k *KV) Close() error { return k.client.Close() }

func (k *KV) wrapError(op string, err error) error {
	if err == nil || errors.Is(err, goredis.Nil) {
		return nil
	}
	return kinderr.Unavailable(op, "kv", err)
}

func (k *KV) SetWorkerCurrentTask(ctx context.Context, workerID, subtaskID uuid.UUID, ttl time.Duration) error {
	err := k.client.Set(ctx, keyWorkerCurrentTask(workerID), subtaskID.String(), ttl).Err()
	return k.wrapError("set_worker_current_task", err)
}

func (k *KV) ClearWorkerCurrentTask(ctx context.Context, workerID uuid.UUID) error {
	err := k.client.Del(ctx, keyWorkerCurrentTask(workerID)).Err()
	return k.wrapError("clear_worker_current_task", err)
}

func (k *KV) GetWorkerCurrentTask(ctx context.Context, workerID uuid.UUID) (uuid.UUID, bool, error) {
	val, err := k.client.Get(ctx, keyWorkerCurrentTask(workerID)).Result()
	if errors.Is(err, goredis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, k.wrapError("get_worker_current_task", err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, kinderr.Internal("get_worker_current_task", "kv", err)
	}
	return id, true, nil
}

func (k *KV) SetWorkerStatus(ctx context.Context, workerID uuid.UUID, status model.WorkerStatus) error {
	err := k.client.Set(ctx, keyWorkerStatus(workerID), string(status), 0).Err()
	return k.wrapError("set_worker_status", err)
}

func (k *KV) EnqueueSubtask(ctx context.Context, subtaskID uuid.UUID) error {
	err := k.client.LPush(ctx, keySubtasksQueue, subtaskID.String()).Err()
	return k.wrapError("enqueue_subtask", err)
}

func (k *KV) DequeueAllSubtasks(ctx context.Context) ([]uuid.UUID, error) {
	vals, err := k.client.LRange(ctx, keySubtasksQueue, 0, -1).Result()
	if err != nil {
		return nil, k.wrapError("dequeue_all_subtasks", err)
	}
	out := make([]uuid.UUID, 0, len(vals))
	for _, v := range vals {
		id, err := uuid.Parse(v)
		if err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (k *KV) RemoveQueuedSubtask(ctx context.Context, subtaskID uuid.UUID) error {
	err := k.client.LRem(ctx, keySubtasksQueue, 0, subtaskID.String()).Err()
	return k.wrapError("remove_queued_subtask", err)
}

func (k *KV) MarkInProgress(ctx context.Context, subtaskID uuid.UUID) error {
	err := k.client.SAdd(ctx, keySubtasksInProgress, subtaskID.String()).Err()
	return k.wrapError("mark_in_progress", err)
}

func (k *KV) ClearInProgress(ctx context.Context, subtaskID uuid.UUID) error {
	err := k.client.SRem(ctx, keySubtasksInProgress, subtaskID.String()).Err()
	return k.wrapError("clear_in_progress", err)
}

func (k *KV) IsInProgress(ctx context.Context, subtaskID uuid.UUID) (bool, error) {
	ok, err := k.client.SIsMember(ctx, keySubtasksInProgress, subtaskID.String()).Result()
	if err != nil {
		return false, k.wrapError("is_in_progress", err)
	}
	return ok, nil
}

func (k *KV) PutReviewRequest(ctx context.Context, checkpointID uuid.UUID, c *model.Checkpoint) error {
	data, err := json.Marshal(c)
	if err != nil {
		return kinderr.Internal("put_review_request", "kv", err)
	}
	return k.wrapError("put_review_request", k.client.Set(ctx, keyReviewRequest(checkpointID), data, 0).Err())
}

func (k *KV) RemoveReviewRequest(ctx context.Context, checkpointID uuid.UUID) error {
	return k.wrapError("remove_review_request", k.client.Del(ctx, keyReviewRequest(checkpointID)).Err())
}

func (k *KV) EnqueueReview(ctx context.Context, checkpointID uuid.UUID, createdAt time.Time) error {
	err := k.client.ZAdd(ctx, keyReviewQueue, goredis.Z{Score: float64(createdAt.UnixNano()), Member: checkpointID.String()}).Err()
	return k.wrapError("enqueue_review", err)
}

func (k *KV) EnqueueReviewForUser(ctx context.Context, userID string, checkpointID uuid.UUID, createdAt time.Time) error {
	err := k.client.ZAdd(ctx, keyReviewUserQueue(userID), goredis.Z{Score: float64(createdAt.UnixNano()), Member: checkpointID.String()}).Err()
	return k.wrapError("enqueue_review_for_user", err)
}

func (k *KV) DequeueReview(ctx context.Context, checkpointID uuid.UUID) error {
	return k.wrapError("dequeue_review", k.client.ZRem(ctx, keyReviewQueue, checkpointID.String()).Err())
}

func (k *KV) DequeueReviewForUser(ctx context.Context, userID string, checkpointID uuid.UUID) error {
	return k.wrapError("dequeue_review_for_user", k.client.ZRem(ctx, keyReviewUserQueue(userID), checkpointID.String()).Err())
}

func (k *KV) ListReviewQueue(ctx context.Context) ([]uuid.UUID, error) {
	return k.listSortedSet(ctx, keyReviewQueue)
}

func (k *KV) ListReviewQueueForUser(ctx context.Context, userID string) ([]uuid.UUID, error) {
	return k.listSortedSet(ctx, keyReviewUserQueue(userID))
}

func (k *KV) listSortedSet(ctx context.Context, key string) ([]uuid.UUID, error) {
	vals, err := k.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, k.wrapError("list_sorted_set", err)
	}
	out := make([]uuid.UUID, 0, len(vals))
	for _, v := range vals {
		id, err := uuid.Parse(v)
		if err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (k *KV) BlacklistKey(ctx context.Context, keyID string) error {
	return k.wrapError("blacklist_key", k.client.SAdd(ctx, keyBlacklistSet, keyID).Err())
}

func (k *KV) IsBlacklisted(ctx context.Context, keyID string) (bool, error) {
	ok, err := k.client.SIsMember(ctx, keyBlacklistSet, keyID).Result()
	if err != nil {
		return false, k.wrapError("is_blacklisted", err)
	}
	return ok, nil
}

var _ store.KV = (*KV)(nil)
