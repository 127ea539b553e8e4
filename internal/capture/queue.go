package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Queue is the ephemeral list the dispatcher pushes serialized payloads onto
// and the consumer drains. Per-key ordering is FIFO; items are independently
// persistable so no cross-item ordering is required.
type Queue interface {
	// Push appends a serialized payload to the named list.
	Push(ctx context.Context, key, value string) error
	// Pop removes the oldest item from the named list. The second return is
	// false when the list is empty.
	Pop(ctx context.Context, key string) (string, bool, error)
	// Len reports the number of items waiting on the named list.
	Len(ctx context.Context, key string) (int64, error)
}

// RedisQueue implements Queue over a Redis list (LPUSH/RPOP/LLEN). This is
// the sub-millisecond hot-path target for capture enqueue.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(addr, password string, db int) *RedisQueue {
	return &RedisQueue{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (q *RedisQueue) Push(ctx context.Context, key, value string) error {
	return q.client.LPush(ctx, key, value).Err()
}

func (q *RedisQueue) Pop(ctx context.Context, key string) (string, bool, error) {
	value, err := q.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (q *RedisQueue) Len(ctx context.Context, key string) (int64, error) {
	return q.client.LLen(ctx, key).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// MemoryQueue is an in-process Queue for tests and for deployments that
// inject their own queue instead of Redis.
type MemoryQueue struct {
	mu    sync.Mutex
	lists map[string][]string
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{lists: make(map[string][]string)}
}

func (q *MemoryQueue) Push(_ context.Context, key, value string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists[key] = append(q.lists[key], value)
	return nil
}

func (q *MemoryQueue) Pop(_ context.Context, key string) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	value := list[0]
	q.lists[key] = list[1:]
	return value, true, nil
}

func (q *MemoryQueue) Len(_ context.Context, key string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lists[key])), nil
}
