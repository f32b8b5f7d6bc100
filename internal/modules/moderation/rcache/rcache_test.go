package rcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/diy-mod/core/internal/modules/moderation"
	appredis "github.com/diy-mod/core/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fp(s string) Fingerprint {
	return Compute(moderation.KindText, s, nil, "balanced")
}

func overlay(warning string) moderation.Decision {
	return moderation.Decision{Type: moderation.InterventionOverlay, Payload: moderation.Payload{Warning: warning}}
}

func TestFingerprintSensitivity(t *testing.T) {
	filters := []moderation.Filter{
		{ID: "a", Version: 1, Intensity: 3},
		{ID: "b", Version: 2, Intensity: 5, Intervention: moderation.InterventionOverlay},
	}
	base := Compute(moderation.KindText, "Hello <b>World</b>", filters, "balanced")

	same := []struct {
		name string
		got  Fingerprint
	}{
		{"whitespace and case", Compute(moderation.KindText, "  hello   world ", filters, "balanced")},
		{"filter order", Compute(moderation.KindText, "Hello <b>World</b>", []moderation.Filter{filters[1], filters[0]}, "balanced")},
	}
	for _, tc := range same {
		if tc.got != base {
			t.Errorf("%s: fingerprint changed", tc.name)
		}
	}

	bumped := append([]moderation.Filter(nil), filters...)
	bumped[0].Version = 2
	stronger := append([]moderation.Filter(nil), filters...)
	stronger[0].Intensity = 4
	override := append([]moderation.Filter(nil), filters...)
	override[0].Intervention = moderation.InterventionBlur

	different := []struct {
		name string
		got  Fingerprint
	}{
		{"content", Compute(moderation.KindText, "Hello there", filters, "balanced")},
		{"version", Compute(moderation.KindText, "Hello World", bumped, "balanced")},
		{"intensity", Compute(moderation.KindText, "Hello World", stronger, "balanced")},
		{"intervention", Compute(moderation.KindText, "Hello World", override, "balanced")},
		{"mode", Compute(moderation.KindText, "Hello World", filters, "aggressive")},
		{"kind", Compute(moderation.KindImage, "Hello World", filters, "balanced")},
		{"filter removed", Compute(moderation.KindText, "Hello World", filters[:1], "balanced")},
	}
	for _, tc := range different {
		if tc.got == base {
			t.Errorf("%s: fingerprint should change", tc.name)
		}
	}

	if base.Derive("rewrite") == base || base.Derive("rewrite") != base.Derive("rewrite") {
		t.Fatal("derived keys must be distinct and stable")
	}
	if base.Derive("rewrite", "I love Rust") == base.Derive("rewrite", "I  love Rust") {
		t.Fatal("derived keys must follow the raw text")
	}
	if base.Derive("ab", "c") == base.Derive("a", "bc") {
		t.Fatal("derived key parts must not run together")
	}
}

func TestNormalizeContent(t *testing.T) {
	got := NormalizeContent("<p>Some  <em>BOLD</em>\n text</p>")
	if got != "some bold text" {
		t.Fatalf("got %q", got)
	}
}

func TestTTLExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{TTL: time.Minute, Now: clock.Now})
	ctx := context.Background()
	key := fp("post")

	c.Put(ctx, key, overlay("w"))
	if _, ok := c.Get(ctx, key); !ok {
		t.Fatal("expected hit")
	}
	clock.Advance(59 * time.Second)
	if _, ok := c.Get(ctx, key); !ok {
		t.Fatal("expected hit before ttl")
	}
	clock.Advance(time.Second)
	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("expired entry must miss")
	}
}

func TestPutKeepsLiveEntry(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	ctx := context.Background()
	key := fp("post")
	c.Put(ctx, key, overlay("first"))
	c.Put(ctx, key, overlay("second"))
	d, _ := c.Get(ctx, key)
	if d.Payload.Warning != "first" {
		t.Fatalf("entry was replaced: %q", d.Payload.Warning)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(Options{TTL: time.Hour, Capacity: 2})
	ctx := context.Background()
	a, b, d := fp("a"), fp("b"), fp("d")

	c.Put(ctx, a, overlay("a"))
	c.Put(ctx, b, overlay("b"))
	c.Get(ctx, a)
	c.Put(ctx, d, overlay("d"))

	if _, ok := c.Get(ctx, b); ok {
		t.Fatal("least recently used entry should be evicted")
	}
	if _, ok := c.Get(ctx, a); !ok {
		t.Fatal("recently used entry should survive")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestPurge(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(Options{TTL: time.Minute, Now: clock.Now})
	ctx := context.Background()
	c.Put(ctx, fp("old"), overlay("old"))
	clock.Advance(2 * time.Minute)
	c.Put(ctx, fp("new"), overlay("new"))

	if n := c.Purge(); n != 1 {
		t.Fatalf("purged %d", n)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestDoComputesOnce(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	ctx := context.Background()
	key := fp("shared")

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (moderation.Decision, error) {
		calls.Add(1)
		<-release
		return overlay("w"), nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([]moderation.Decision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, _, err := c.Do(ctx, key, compute)
			if err != nil {
				t.Error(err)
			}
			results[i] = d
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("compute ran %d times", calls.Load())
	}
	for _, d := range results {
		if d.Payload.Warning != "w" {
			t.Fatalf("unexpected decision %+v", d)
		}
	}

	_, cached, err := c.Do(ctx, key, compute)
	if err != nil || !cached || calls.Load() != 1 {
		t.Fatalf("expected cache hit, cached=%v calls=%d err=%v", cached, calls.Load(), err)
	}
}

func TestDoDoesNotCacheErrors(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	ctx := context.Background()
	key := fp("flaky")

	calls := 0
	boom := errors.New("boom")
	compute := func(ctx context.Context) (moderation.Decision, error) {
		calls++
		if calls == 1 {
			return moderation.Decision{}, boom
		}
		return overlay("ok"), nil
	}

	if _, _, err := c.Do(ctx, key, compute); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	d, cached, err := c.Do(ctx, key, compute)
	if err != nil || cached || d.Payload.Warning != "ok" || calls != 2 {
		t.Fatalf("retry after error: d=%+v cached=%v calls=%d err=%v", d, cached, calls, err)
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *appredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := appredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return mr, rc
}

func TestRedisTierSharedAcrossInstances(t *testing.T) {
	_, rc := newRedis(t)
	ctx := context.Background()
	key := fp("shared across")

	d := overlay("from a")
	d.Payload.FilterIDs = []string{"f1"}
	d.Payload.Spans = []moderation.Span{{Start: 1, End: 4}}

	a := New(Options{TTL: time.Minute, Redis: rc})
	a.Put(ctx, key, d)

	b := New(Options{TTL: time.Minute, Redis: rc})
	got, ok := b.Get(ctx, key)
	if !ok {
		t.Fatal("expected redis hit")
	}
	if got.Type != d.Type || got.Payload.Warning != "from a" || len(got.Payload.Spans) != 1 || got.Payload.FilterIDs[0] != "f1" {
		t.Fatalf("unexpected decision %+v", got)
	}
	if b.Len() != 1 {
		t.Fatal("redis hit should populate memory tier")
	}
}

func TestRedisFailureBypassed(t *testing.T) {
	mr, rc := newRedis(t)
	c := New(Options{TTL: time.Minute, Redis: rc})
	mr.Close()

	d, cached, err := c.Do(context.Background(), fp("x"), func(ctx context.Context) (moderation.Decision, error) {
		return overlay("computed"), nil
	})
	if err != nil || cached || d.Payload.Warning != "computed" {
		t.Fatalf("d=%+v cached=%v err=%v", d, cached, err)
	}
	if _, ok := c.Get(context.Background(), fp("x")); !ok {
		t.Fatal("memory tier should still hold the entry")
	}
}

func TestDoSurvivesCancelledCaller(t *testing.T) {
	c := New(Options{TTL: time.Minute})
	key := fp("shared")

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(ctx context.Context) (moderation.Decision, error) {
		calls.Add(1)
		select {
		case <-release:
			return overlay("w"), nil
		case <-ctx.Done():
			return moderation.Decision{}, ctx.Err()
		}
	}

	actx, cancelA := context.WithCancel(context.Background())
	aErr := make(chan error, 1)
	go func() {
		_, _, err := c.Do(actx, key, compute)
		aErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	type result struct {
		d   moderation.Decision
		err error
	}
	bRes := make(chan result, 1)
	go func() {
		d, _, err := c.Do(context.Background(), key, compute)
		bRes <- result{d, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	select {
	case err := <-aErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("cancelled caller got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(release)
	select {
	case r := <-bRes:
		if r.err != nil || r.d.Payload.Warning != "w" {
			t.Fatalf("healthy caller got d=%+v err=%v", r.d, r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("healthy caller never finished")
	}
	if calls.Load() != 1 {
		t.Fatalf("compute ran %d times", calls.Load())
	}
	if _, ok := c.Get(context.Background(), key); !ok {
		t.Fatal("result should be cached")
	}
}

func TestDoComputeTimeout(t *testing.T) {
	c := New(Options{TTL: time.Minute, ComputeTimeout: 30 * time.Millisecond})
	_, _, err := c.Do(context.Background(), fp("stuck"), func(ctx context.Context) (moderation.Decision, error) {
		<-ctx.Done()
		return moderation.Decision{}, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
