package broker

import (
	"context"
	"errors"
	"time"

	appredis "github.com/diy-mod/core/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

// Queue hands job ids to workers.
type Queue interface {
	// Push adds id, or returns ErrQueueFull at capacity.
	Push(ctx context.Context, id string) error
	// Pop blocks until an id is available or ctx is done.
	Pop(ctx context.Context) (string, error)
	Len(ctx context.Context) int
}

type chanQueue chan string

// NewMemoryQueue returns a bounded in-process queue.
func NewMemoryQueue(size int) Queue { return make(chanQueue, size) }

func (q chanQueue) Push(_ context.Context, id string) error {
	select {
	case q <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q chanQueue) Pop(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case id := <-q:
		return id, nil
	}
}

func (q chanQueue) Len(context.Context) int { return len(q) }

const (
	keyQueue = "diymod:jobs:queue"
	popWait  = time.Second
)

// RedisQueue is a list shared by every instance, so queued jobs outlive the
// process that enqueued them.
type RedisQueue struct {
	rc   *appredis.Client
	size int
}

func NewRedisQueue(rc *appredis.Client, size int) *RedisQueue {
	return &RedisQueue{rc: rc, size: size}
}

func (q *RedisQueue) Push(ctx context.Context, id string) error {
	n, err := q.rc.Raw().RPush(ctx, keyQueue, id).Result()
	if err != nil {
		return err
	}
	if q.size > 0 && n > int64(q.size) {
		q.rc.Raw().LRem(ctx, keyQueue, -1, id)
		return ErrQueueFull
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	for {
		res, err := q.rc.Raw().BLPop(ctx, popWait, keyQueue).Result()
		switch {
		case errors.Is(err, redis.Nil):
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

func (q *RedisQueue) Len(ctx context.Context) int {
	n, err := q.rc.Raw().LLen(ctx, keyQueue).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
