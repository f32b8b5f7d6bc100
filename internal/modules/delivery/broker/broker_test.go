package broker

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

func spec(url string, filters ...string) JobSpec {
	return JobSpec{
		UserID:       "u1",
		ImageURL:     url,
		Filters:      filters,
		Intervention: moderation.InterventionCartoonish,
	}
}

// gatedExecutor blocks each job until release is closed.
type gatedExecutor struct {
	release chan struct{}
	calls   atomic.Int32
	err     error
}

func newGated() *gatedExecutor { return &gatedExecutor{release: make(chan struct{})} }

func (g *gatedExecutor) Execute(ctx context.Context, job *Job) (Outcome, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	if g.err != nil {
		return Outcome{}, g.err
	}
	return Outcome{Result: "https://cdn/" + job.ID + ".png"}, nil
}

func waitJob(t *testing.T, b *Broker, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := b.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !job.Status.Terminal() {
		t.Fatalf("job %s still %s", id, job.Status)
	}
	return job
}

func TestEnqueueValidates(t *testing.T) {
	b := New(Options{})
	ctx := context.Background()
	if _, err := b.Enqueue(ctx, spec("")); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected invalid job, got %v", err)
	}
	bad := spec("https://img/a.png")
	bad.Intervention = moderation.InterventionBlur
	if _, err := b.Enqueue(ctx, bad); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected invalid job, got %v", err)
	}
}

func TestEnqueueIdempotentWhilePending(t *testing.T) {
	b := New(Options{})
	ctx := context.Background()

	first, err := b.Enqueue(ctx, spec("https://img/a.png", "spiders", "clowns"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.Enqueue(ctx, spec("https://img/a.png", "clowns", "spiders"))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same job, got %s and %s", first.ID, second.ID)
	}

	other := spec("https://img/a.png", "spiders", "clowns")
	other.Intervention = moderation.InterventionEditToReplace
	third, err := b.Enqueue(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Fatal("different intervention must be a different job")
	}
}

func TestReadyJobReusedFailedJobNot(t *testing.T) {
	exec := newGated()
	close(exec.release)
	b := New(Options{Executor: exec, Workers: 1})
	b.Start(context.Background())
	defer b.Stop()
	ctx := context.Background()

	job, err := b.Enqueue(ctx, spec("https://img/ok.png", "spiders"))
	if err != nil {
		t.Fatal(err)
	}
	done := waitJob(t, b, job.ID)
	if done.Status != StatusReady || done.Result == "" {
		t.Fatalf("unexpected job %+v", done)
	}

	again, err := b.Enqueue(ctx, spec("https://img/ok.png", "spiders"))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != job.ID || again.Status != StatusReady || again.Result != done.Result {
		t.Fatalf("ready job should be reused, got %+v", again)
	}
	if exec.calls.Load() != 1 {
		t.Fatalf("executor ran %d times", exec.calls.Load())
	}

	exec.err = errors.New("model refused")
	broken, _ := b.Enqueue(ctx, spec("https://img/broken.png", "spiders"))
	failed := waitJob(t, b, broken.ID)
	if failed.Status != StatusFailed || failed.Error != "model refused" {
		t.Fatalf("unexpected failed job %+v", failed)
	}
	exec.err = nil
	retry, _ := b.Enqueue(ctx, spec("https://img/broken.png", "spiders"))
	if retry.ID == broken.ID {
		t.Fatal("failed job must not be reused")
	}
	if got := waitJob(t, b, retry.ID); got.Status != StatusReady {
		t.Fatalf("retry should succeed, got %+v", got)
	}
}

func TestSubscribeDeliversExactlyOnce(t *testing.T) {
	exec := newGated()
	b := New(Options{Executor: exec, Workers: 2})
	b.Start(context.Background())
	defer b.Stop()
	ctx := context.Background()

	job, err := b.Enqueue(ctx, spec("https://img/a.png", "spiders"))
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var early []*Job
	if _, err := b.Subscribe(ctx, job.ID, func(j *Job) {
		mu.Lock()
		early = append(early, j)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	var cancelled atomic.Int32
	cancel, err := b.Subscribe(ctx, job.ID, func(*Job) { cancelled.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	close(exec.release)
	waitJob(t, b, job.ID)

	// Completion is applied once even if something tries again.
	b.complete(ctx, job.ID, StatusFailed, Outcome{}, "late")

	late := make(chan *Job, 2)
	if _, err := b.Subscribe(ctx, job.ID, func(j *Job) { late <- j }); err != nil {
		t.Fatal(err)
	}
	select {
	case j := <-late:
		if j.Status != StatusReady {
			t.Fatalf("late subscriber got %+v", j)
		}
	case <-time.After(time.Second):
		t.Fatal("late subscriber not notified")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(early) != 1 || early[0].Status != StatusReady {
		t.Fatalf("early subscriber got %d notifications", len(early))
	}
	if cancelled.Load() != 0 {
		t.Fatal("cancelled subscriber was notified")
	}
	if len(late) != 0 {
		t.Fatal("late subscriber notified twice")
	}
	if s := b.Stats(); s.Subscribers != 0 || s.Processed != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestSubscribeUnknownJob(t *testing.T) {
	b := New(Options{})
	if _, err := b.Subscribe(context.Background(), "nope", func(*Job) {}); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if b.Stats().Subscribers != 0 {
		t.Fatal("failed subscription left a registration behind")
	}
}

func TestQueueFullFailsJob(t *testing.T) {
	b := New(Options{QueueSize: 1})
	ctx := context.Background()

	if _, err := b.Enqueue(ctx, spec("https://img/1.png")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Enqueue(ctx, spec("https://img/2.png")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	job, err := b.Lookup(ctx, "https://img/2.png", nil)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("overflowed job should be failed, got %s", job.Status)
	}
}

func TestExecutorPanicFailsJob(t *testing.T) {
	b := New(Options{Workers: 1, Executor: ExecutorFunc(func(context.Context, *Job) (Outcome, error) {
		panic("boom")
	})})
	b.Start(context.Background())
	defer b.Stop()

	job, _ := b.Enqueue(context.Background(), spec("https://img/p.png"))
	if got := waitJob(t, b, job.ID); got.Status != StatusFailed {
		t.Fatalf("expected failure, got %+v", got)
	}
}

func TestSweepDropsOldJobs(t *testing.T) {
	now := time.Unix(10_000, 0)
	b := New(Options{Retention: time.Hour, Now: func() time.Time { return now }})
	ctx := context.Background()
	old, _ := b.Enqueue(ctx, spec("https://img/old.png"))
	now = now.Add(2 * time.Hour)
	if _, err := b.Enqueue(ctx, spec("https://img/new.png")); err != nil {
		t.Fatal(err)
	}

	n, err := b.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("swept %d, err %v", n, err)
	}
	if _, err := b.Get(ctx, old.ID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("old job should be gone, got %v", err)
	}
}

func newRedis(t *testing.T) *appredis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := appredis.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestRedisStore(t *testing.T) {
	rc := newRedis(t)
	s := NewRedisStore(rc, time.Hour)
	ctx := context.Background()
	now := time.Unix(20_000, 0)

	mk := func(id string) *Job {
		return &Job{
			ID:                 id,
			ImageURL:           "https://img/r.png",
			ImageFingerprint:   ImageFingerprint("https://img/r.png"),
			FiltersFingerprint: FiltersFingerprint([]string{"spiders"}),
			Filters:            []string{"spiders"},
			Intervention:       moderation.InterventionCartoonish,
			Status:             StatusQueued,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}

	stored, created, err := s.Create(ctx, mk("j1"))
	if err != nil || !created || stored.ID != "j1" {
		t.Fatalf("create: %+v %v %v", stored, created, err)
	}
	dup, created, err := s.Create(ctx, mk("j2"))
	if err != nil || created || dup.ID != "j1" {
		t.Fatalf("dedup: %+v %v %v", dup, created, err)
	}

	if _, err := s.MarkProcessing(ctx, "j1", now); err != nil {
		t.Fatal(err)
	}
	done, err := s.Complete(ctx, "j1", StatusFailed, Outcome{}, "nope", now)
	if err != nil || done.Status != StatusFailed || done.Error != "nope" {
		t.Fatalf("complete: %+v %v", done, err)
	}
	if _, err := s.Complete(ctx, "j1", StatusReady, Outcome{Result: "x"}, "", now); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second completion should be rejected, got %v", err)
	}

	fresh, created, err := s.Create(ctx, mk("j3"))
	if err != nil || !created || fresh.ID != "j3" {
		t.Fatalf("failed job must not dedup: %+v %v %v", fresh, created, err)
	}
	latest, err := s.Latest(ctx, LookupKey("https://img/r.png", []string{"spiders"}))
	if err != nil || latest.ID != "j3" {
		t.Fatalf("latest: %+v %v", latest, err)
	}

	n, err := s.Sweep(ctx, now.Add(time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("sweep: %d %v", n, err)
	}
	if _, err := s.Get(ctx, "j3"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("swept job still present: %v", err)
	}
}

func TestCompletionFansOutAcrossInstances(t *testing.T) {
	rc := newRedis(t)
	store := NewRedisStore(rc, time.Hour)

	exec := newGated()
	worker := New(Options{Store: store, Executor: exec, Workers: 1, Bus: rc})
	// the watcher shares the job table but takes no work from the shared queue
	watcher := New(Options{Store: store, Queue: NewMemoryQueue(1), Workers: 1, Bus: rc})
	worker.Start(context.Background())
	watcher.Start(context.Background())
	defer worker.Stop()
	defer watcher.Stop()
	ctx := context.Background()

	job, err := worker.Enqueue(ctx, spec("https://img/shared.png", "spiders"))
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan *Job, 1)
	if _, err := watcher.Subscribe(ctx, job.ID, func(j *Job) { got <- j }); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	close(exec.release)

	select {
	case j := <-got:
		if j.Status != StatusReady || j.Result == "" {
			t.Fatalf("unexpected job %+v", j)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("completion did not reach the other instance")
	}
}

func TestQueuedJobSurvivesRestart(t *testing.T) {
	rc := newRedis(t)
	ctx := context.Background()

	// never started: the job is left queued in Redis
	first := New(Options{Store: NewRedisStore(rc, time.Hour)})
	job, err := first.Enqueue(ctx, spec("https://img/restart.png", "spiders"))
	if err != nil {
		t.Fatal(err)
	}
	first.Stop()

	var calls atomic.Int32
	second := New(Options{Store: NewRedisStore(rc, time.Hour), Workers: 1, Executor: ExecutorFunc(func(_ context.Context, j *Job) (Outcome, error) {
		calls.Add(1)
		return Outcome{Result: "https://cdn/" + j.ID + ".png"}, nil
	})})
	second.Start(ctx)
	defer second.Stop()

	again, err := second.Enqueue(ctx, spec("https://img/restart.png", "spiders"))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != job.ID {
		t.Fatalf("live job should be reused, got %s want %s", again.ID, job.ID)
	}
	if got := waitJob(t, second, job.ID); got.Status != StatusReady {
		t.Fatalf("expected ready, got %+v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("executor ran %d times", calls.Load())
	}
}

func TestStalledJobIsFailedAndReplaced(t *testing.T) {
	now := time.Unix(30_000, 0)
	b := New(Options{JobTimeout: time.Minute, Now: func() time.Time { return now }})
	ctx := context.Background()

	stuck, err := b.Enqueue(ctx, spec("https://img/stuck.png"))
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan *Job, 1)
	if _, err := b.Subscribe(ctx, stuck.ID, func(j *Job) { got <- j }); err != nil {
		t.Fatal(err)
	}

	now = now.Add(90 * time.Second)
	if n, err := b.Recover(ctx); err != nil || n != 0 {
		t.Fatalf("job within its allowance recovered: n=%d err=%v", n, err)
	}
	if again, _ := b.Enqueue(ctx, spec("https://img/stuck.png")); again.ID != stuck.ID {
		t.Fatal("job within its allowance should be reused")
	}

	now = now.Add(time.Minute)
	fresh, err := b.Enqueue(ctx, spec("https://img/stuck.png"))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == stuck.ID || fresh.Status != StatusQueued {
		t.Fatalf("stalled job should be replaced, got %+v", fresh)
	}
	select {
	case j := <-got:
		if j.Status != StatusFailed || j.Error != ErrStalled.Error() {
			t.Fatalf("unexpected notification %+v", j)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber of the stalled job never heard back")
	}
}

func TestRecoverFailsStalledJobs(t *testing.T) {
	rc := newRedis(t)
	now := time.Unix(40_000, 0)
	clock := func() time.Time { return now }
	ctx := context.Background()

	crashed := New(Options{Store: NewRedisStore(rc, time.Hour), JobTimeout: time.Minute, Now: clock})
	job, err := crashed.Enqueue(ctx, spec("https://img/crashed.png"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := crashed.store.MarkProcessing(ctx, job.ID, now); err != nil {
		t.Fatal(err)
	}

	survivor := New(Options{Store: NewRedisStore(rc, time.Hour), Queue: NewMemoryQueue(1), JobTimeout: time.Minute, Now: clock})
	now = now.Add(3 * time.Minute)
	n, err := survivor.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recovered %d, err %v", n, err)
	}
	got, err := survivor.Get(ctx, job.ID)
	if err != nil || got.Status != StatusFailed || got.Error != ErrStalled.Error() {
		t.Fatalf("stalled job not failed: %+v %v", got, err)
	}
	if n, _ := survivor.Recover(ctx); n != 0 {
		t.Fatalf("failed job recovered again: %d", n)
	}
}

func TestRedisQueueBounded(t *testing.T) {
	rc := newRedis(t)
	q := NewRedisQueue(rc, 1)
	ctx := context.Background()

	if err := q.Push(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(ctx, "b"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if q.Len(ctx) != 1 {
		t.Fatalf("len = %d", q.Len(ctx))
	}
	id, err := q.Pop(ctx)
	if err != nil || id != "a" {
		t.Fatalf("pop: %q %v", id, err)
	}

	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(cctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("empty pop should end with ctx, got %v", err)
	}
}
