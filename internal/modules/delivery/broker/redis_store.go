package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	appredis "github.com/diy-mod/core/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

const (
	keyJob    = "diymod:job:"
	keyDedup  = "diymod:jobs:dedup:"
	keyLookup = "diymod:jobs:lookup:"
	// sorted set: score=created_at ms, member=job id
	keyIndex = "diymod:jobs:index"

	casAttempts = 5
)

// RedisStore keeps jobs in Redis so every instance sees the same table.
type RedisStore struct {
	rc        *appredis.Client
	retention time.Duration
}

func NewRedisStore(rc *appredis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &RedisStore{rc: rc, retention: retention}
}

func jobKey(id string) string { return keyJob + id }

func readJob(ctx context.Context, c redis.Cmdable, id string) (*Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed underneath it.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < casAttempts; i++ {
		err = s.rc.Raw().Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) Create(ctx context.Context, job *Job) (*Job, bool, error) {
	dedupKey := keyDedup + job.DedupKey()
	var (
		stored  *Job
		created bool
	)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		id, err := tx.Get(ctx, dedupKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if id != "" {
			existing, err := readJob(ctx, tx, id)
			if err != nil && !errors.Is(err, ErrJobNotFound) {
				return err
			}
			if existing != nil && existing.Status != StatusFailed {
				stored, created = existing, false
				return nil
			}
		}

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(job.ID), data, s.retention)
			pipe.Set(ctx, dedupKey, job.ID, s.retention)
			pipe.Set(ctx, keyLookup+job.LookupKey(), job.ID, s.retention)
			pipe.ZAdd(ctx, keyIndex, redis.Z{
				Score:  float64(job.CreatedAt.UnixMilli()),
				Member: job.ID,
			})
			return nil
		})
		if err != nil {
			return err
		}
		stored, created = job.clone(), true
		return nil
	}, dedupKey)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	return readJob(ctx, s.rc.Raw(), id)
}

// update applies mutate to the stored job under WATCH.
func (s *RedisStore) update(ctx context.Context, id string, mutate func(job *Job) error) (*Job, error) {
	var out *Job
	err := s.watch(ctx, func(tx *redis.Tx) error {
		job, err := readJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), data, redis.KeepTTL)
			return nil
		})
		if err != nil {
			return err
		}
		out = job
		return nil
	}, jobKey(id))
	return out, err
}

func (s *RedisStore) MarkProcessing(ctx context.Context, id string, at time.Time) (*Job, error) {
	return s.update(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		job.Status = StatusProcessing
		job.UpdatedAt = at
		return nil
	})
}

func (s *RedisStore) Complete(ctx context.Context, id string, status Status, out Outcome, errMsg string, at time.Time) (*Job, error) {
	return s.update(ctx, id, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		finish(job, status, out, errMsg, at)
		return nil
	})
}

func (s *RedisStore) Latest(ctx context.Context, lookupKey string) (*Job, error) {
	id, err := s.rc.Get(ctx, keyLookup+lookupKey)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrJobNotFound
	}
	return s.Get(ctx, id)
}

// Sweep removes index entries older than cutoff together with any job record
// that has not expired yet.
func (s *RedisStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.rc.Raw().ZRangeByScore(ctx, keyIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := s.rc.Raw().TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, jobKey(id))
		pipe.ZRem(ctx, keyIndex, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Stalled scans the index for jobs created before cutoff; only those can have
// been last updated before it.
func (s *RedisStore) Stalled(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	ids, err := s.rc.Raw().ZRangeByScore(ctx, keyIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	vals, err := s.rc.Raw().MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var out []*Job
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.stalled(cutoff) {
			out = append(out, &job)
		}
	}
	return out, nil
}
