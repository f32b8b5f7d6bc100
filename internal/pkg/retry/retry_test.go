package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// instantTimer fires as soon as it is started.
type instantTimer struct {
	c     chan time.Time
	waits []time.Duration
}

func newInstantTimer() *instantTimer { return &instantTimer{c: make(chan time.Time, 1)} }

func (t *instantTimer) Start(d time.Duration) {
	t.waits = append(t.waits, d)
	t.c <- time.Now()
}

func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

func TestDoStopsOnSuccess(t *testing.T) {
	r := New(Policy{MaxAttempts: 5, InitialDelay: time.Millisecond})
	r.Timer = newInstantTimer()

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(Policy{MaxAttempts: 2})
	r.Timer = newInstantTimer()

	boom := errors.New("boom")
	calls := 0
	var retried []int
	r.OnRetry = func(attempt int, err error, _ time.Duration) { retried = append(retried, attempt) }
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	if len(retried) != 1 || retried[0] != 1 {
		t.Fatalf("unexpected retry notifications %v", retried)
	}
}

func TestDoPermanentError(t *testing.T) {
	r := New(Policy{MaxAttempts: 5})
	r.Timer = newInstantTimer()

	bad := errors.New("bad request")
	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(bad)
	})
	if !errors.Is(err, bad) {
		t.Fatalf("expected bad request, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatal("returned error should be unwrapped")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Policy{MaxAttempts: 0, InitialDelay: time.Hour})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil || err.Error() != "down" {
			t.Fatalf("expected last error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancel")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	if err := r.Do(ctx, func(context.Context, int) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("done ctx should short-circuit, got %v", err)
	}
}

func TestBackOffSchedule(t *testing.T) {
	b := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}.BackOff()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("wait %d = %v, want %v", i+1, got, w)
		}
	}

	fixed := Policy{InitialDelay: 300 * time.Millisecond, Multiplier: 1}.BackOff()
	for i := 0; i < 7; i++ {
		if got := fixed.NextBackOff(); got != 300*time.Millisecond {
			t.Fatalf("fixed wait %d = %v", i+1, got)
		}
	}
}

func TestBackOffJitterBounds(t *testing.T) {
	p := Policy{InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 200; i++ {
		got := p.BackOff().NextBackOff()
		if got < time.Second || got > 3*time.Second {
			t.Fatalf("first wait = %v out of [1s, 3s]", got)
		}
	}
}

func TestDoWaitsFollowPolicy(t *testing.T) {
	timer := newInstantTimer()
	r := New(Policy{MaxAttempts: 4, InitialDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, Multiplier: 2})
	r.Timer = timer

	_ = r.Do(context.Background(), func(context.Context, int) error { return errors.New("down") })
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(timer.waits) != len(want) {
		t.Fatalf("waits = %v", timer.waits)
	}
	for i := range want {
		if timer.waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", timer.waits, want)
		}
	}
}
