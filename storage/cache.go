package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"opsboard/domain"
)

type backend interface {
	FetchAll(ctx context.Context, ownerID string) ([]domain.Task, error)
	Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error)
	Update(ctx context.Context, ownerID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	Remove(ctx context.Context, ownerID, taskID string) error
}

// Cache wraps a Store with redis-backed caching of the per-owner task set.
// Every mutation evicts the owner's cached board.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) FetchAll(ctx context.Context, ownerID string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, ownerID); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchAll(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, ownerID, tasks)
	return tasks, nil
}

func (c *Cache) Insert(ctx context.Context, draft domain.TaskDraft) (domain.Task, error) {
	task, err := c.base.Insert(ctx, draft)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, draft.OwnerID)
	return task, nil
}

func (c *Cache) Update(ctx context.Context, ownerID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	task, err := c.base.Update(ctx, ownerID, taskID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, ownerID)
	return task, nil
}

func (c *Cache) Remove(ctx context.Context, ownerID, taskID string) error {
	if err := c.base.Remove(ctx, ownerID, taskID); err != nil {
		return err
	}
	c.evict(ctx, ownerID)
	return nil
}

func (c *Cache) loadFromCache(ctx context.Context, ownerID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(ownerID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, boardCacheKey(ownerID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(ownerID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, ownerID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(ownerID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, ownerID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(ownerID)).Result()
}

func boardCacheKey(ownerID string) string {
	return "board:" + ownerID
}
