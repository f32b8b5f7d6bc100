// Package rcache memoizes intervention decisions by fingerprint, in memory
// with an optional shared Redis tier.
package rcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diy-mod/core/internal/modules/moderation"
	appredis "github.com/diy-mod/core/internal/pkg/redis"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultComputeTimeout = 90 * time.Second

type Options struct {
	TTL       time.Duration
	Capacity  int
	Redis     *appredis.Client
	KeyPrefix string
	Now       func() time.Time
	Logger    *zap.Logger
	// ComputeTimeout bounds a computation shared by several callers.
	ComputeTimeout time.Duration
}

type entry struct {
	decision  moderation.Decision
	createdAt time.Time
}

type wireEntry struct {
	Decision  moderation.Decision `msgpack:"d"`
	CreatedAt int64               `msgpack:"t"`
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
}

// Cache stores decisions that are never modified after insertion. Entries
// leave by TTL or by LRU eviction when capacity is reached.
type Cache struct {
	// mu serializes the keep-the-live-entry check with the insert.
	mu  sync.Mutex
	lru *expirable.LRU[Fingerprint, entry]

	ttl            time.Duration
	computeTimeout time.Duration
	now            func() time.Time

	redis  *appredis.Client
	prefix string
	logger *zap.Logger
	group  singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "diymod:cache:"
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = defaultComputeTimeout
	}
	if opts.Capacity < 0 {
		opts.Capacity = 0
	}
	return &Cache{
		lru:            expirable.NewLRU[Fingerprint, entry](opts.Capacity, nil, opts.TTL),
		ttl:            opts.TTL,
		computeTimeout: opts.ComputeTimeout,
		now:            opts.Now,
		redis:          opts.Redis,
		prefix:         opts.KeyPrefix,
		logger:         opts.Logger,
	}
}

// Get returns the live decision for fp. An expired entry is a miss.
func (c *Cache) Get(ctx context.Context, fp Fingerprint) (moderation.Decision, bool) {
	if d, ok := c.getLocal(fp); ok {
		c.hits.Add(1)
		return d, true
	}
	if d, createdAt, ok := c.getRemote(ctx, fp); ok {
		c.putLocal(fp, d, createdAt)
		c.hits.Add(1)
		return d, true
	}
	c.misses.Add(1)
	return moderation.Decision{}, false
}

// Put stores d under fp. An existing live entry is kept as is.
func (c *Cache) Put(ctx context.Context, fp Fingerprint, d moderation.Decision) {
	now := c.now()
	if !c.putLocal(fp, d, now) {
		return
	}
	c.putRemote(ctx, fp, d, now)
}

// Do returns the cached decision for fp or computes it once, however many
// callers ask concurrently. The computation does not inherit any caller's
// cancellation: it runs under ComputeTimeout, and each caller stops waiting
// when its own ctx is done. Errors are returned to every waiting caller and
// are not cached. cached reports whether this caller skipped compute.
func (c *Cache) Do(ctx context.Context, fp Fingerprint, compute func(ctx context.Context) (moderation.Decision, error)) (d moderation.Decision, cached bool, err error) {
	if d, ok := c.Get(ctx, fp); ok {
		return d, true, nil
	}
	ch := c.group.DoChan(fp.String(), func() (interface{}, error) {
		if d, ok := c.getLocal(fp); ok {
			return d, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
		defer cancel()
		d, err := compute(cctx)
		if err != nil {
			return nil, err
		}
		c.Put(cctx, fp, d)
		return d, nil
	})
	select {
	case <-ctx.Done():
		return moderation.Decision{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return moderation.Decision{}, false, res.Err
		}
		return res.Val.(moderation.Decision), res.Shared, nil
	}
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for _, fp := range c.lru.Keys() {
		if e, ok := c.lru.Peek(fp); ok && c.expired(e, now) {
			c.lru.Remove(fp)
			removed++
		}
	}
	return removed
}

func (c *Cache) Len() int { return c.lru.Len() }

func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.Len()}
}

func (c *Cache) expired(e entry, now time.Time) bool {
	return now.Sub(e.createdAt) >= c.ttl
}

func (c *Cache) getLocal(fp Fingerprint) (moderation.Decision, bool) {
	e, ok := c.lru.Get(fp)
	if !ok {
		return moderation.Decision{}, false
	}
	if c.expired(e, c.now()) {
		c.lru.Remove(fp)
		return moderation.Decision{}, false
	}
	return e.decision, true
}

// putLocal inserts unless a live entry exists; it reports whether it wrote.
func (c *Cache) putLocal(fp Fingerprint, d moderation.Decision, createdAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Peek(fp); ok && !c.expired(e, c.now()) {
		return false
	}
	c.lru.Add(fp, entry{decision: d, createdAt: createdAt})
	return true
}

func (c *Cache) redisKey(fp Fingerprint) string { return c.prefix + fp.String() }

func (c *Cache) getRemote(ctx context.Context, fp Fingerprint) (moderation.Decision, time.Time, bool) {
	if c.redis == nil {
		return moderation.Decision{}, time.Time{}, false
	}
	raw, err := c.redis.GetBytes(ctx, c.redisKey(fp))
	if err != nil {
		c.logger.Debug("cache redis get bypassed", zap.Error(err))
		return moderation.Decision{}, time.Time{}, false
	}
	if raw == nil {
		return moderation.Decision{}, time.Time{}, false
	}
	var w wireEntry
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		c.logger.Warn("cache redis entry unreadable", zap.String("key", fp.String()), zap.Error(err))
		return moderation.Decision{}, time.Time{}, false
	}
	createdAt := time.UnixMilli(w.CreatedAt)
	if c.now().Sub(createdAt) >= c.ttl {
		return moderation.Decision{}, time.Time{}, false
	}
	return w.Decision, createdAt, true
}

func (c *Cache) putRemote(ctx context.Context, fp Fingerprint, d moderation.Decision, createdAt time.Time) {
	if c.redis == nil {
		return
	}
	raw, err := msgpack.Marshal(wireEntry{Decision: d, CreatedAt: createdAt.UnixMilli()})
	if err != nil {
		c.logger.Warn("cache entry encode failed", zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, c.redisKey(fp), raw, c.ttl); err != nil {
		c.logger.Debug("cache redis set bypassed", zap.Error(err))
	}
}
