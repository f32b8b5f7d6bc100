// Package retry runs operations under a YAML-configurable exponential
// backoff policy.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried.
type Policy struct {
	MaxAttempts  int           `yaml:"max_attempts"` // 0 = unlimited
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"` // 1 = fixed schedule
	Jitter       float64       `yaml:"jitter"`     // fraction of the delay, 0..1
}

// Default returns the policy used for LLM calls.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// Reconnect returns the capped exponential policy used by delivery clients.
func Reconnect() Policy {
	return Policy{
		MaxAttempts:  0,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Jitter:       0.3,
	}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// BackOff builds the wait schedule of p. Attempts are not limited here; see
// Retrier for MaxAttempts.
func (p Policy) BackOff() *backoff.ExponentialBackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	jitter := math.Min(math.Max(p.Jitter, 0), 1)
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     max(p.InitialDelay, 0),
		RandomizationFactor: jitter,
		Multiplier:          mult,
		MaxInterval:         maxDelay,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Retrier runs operations under a Policy.
type Retrier struct {
	Policy Policy
	// Timer drives the waits; nil uses the real clock.
	Timer backoff.Timer
	// OnRetry is called before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// New returns a Retrier for p.
func New(p Policy) *Retrier {
	return &Retrier{Policy: p}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. The last error of fn is returned, unwrapped from
// Permanent; ctx's error only when fn never ran.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var b backoff.BackOff = r.Policy.BackOff()
	if r.Policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(r.Policy.MaxAttempts-1))
	}

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err != nil && !IsPermanent(err) {
			lastErr = err
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if r.OnRetry != nil {
			r.OnRetry(attempt, err, wait)
		}
	}

	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), notify, r.Timer)
	if lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return lastErr
	}
	return err
}

// Do runs fn under p with the real clock.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	return New(p).Do(ctx, fn)
}
