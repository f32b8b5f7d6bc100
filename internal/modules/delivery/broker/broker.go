package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diy-mod/core/internal/modules/moderation"
	appredis "github.com/diy-mod/core/internal/pkg/redis"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CompletionChannel carries finished jobs between instances.
const CompletionChannel = "diymod:image_processing_complete"

const popRetryDelay = time.Second

// Executor performs the image edit for a job.
type Executor interface {
	Execute(ctx context.Context, job *Job) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *Job) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) (Outcome, error) { return f(ctx, job) }

// Subscriber receives a job once it is terminal.
type Subscriber func(job *Job)

type Options struct {
	Store Store
	// Queue defaults to a Redis list for a RedisStore and to an in-process
	// channel otherwise.
	Queue      Queue
	Executor   Executor
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
	// StaleAfter is how long an unfinished job may go without progress
	// before it is failed. Defaults to twice JobTimeout.
	StaleAfter time.Duration
	Retention  time.Duration
	// Bus fans completions out to other instances. Optional.
	Bus    *appredis.Client
	Logger *zap.Logger
	Now    func() time.Time
}

type subscription struct {
	fn   Subscriber
	once sync.Once
}

func (s *subscription) deliver(job *Job) {
	s.once.Do(func() { s.fn(job.clone()) })
}

type completion struct {
	Origin string `json:"origin"`
	Job    *Job   `json:"job"`
}

// Broker owns the job table, the worker pool and the subscriber registry.
type Broker struct {
	store    Store
	exec     Executor
	bus      *appredis.Client
	logger   *zap.Logger
	now      func() time.Time
	origin   string
	workers  int
	timeout  time.Duration
	stale    time.Duration
	retained time.Duration

	queue Queue

	mu      sync.Mutex
	subs    map[string]map[uint64]*subscription
	nextSub uint64

	processed atomic.Int64
	failed    atomic.Int64

	wg      sync.WaitGroup
	startMu sync.Mutex
	cancel  context.CancelFunc
}

func New(opts Options) *Broker {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * opts.JobTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Queue == nil {
		if rs, ok := opts.Store.(*RedisStore); ok {
			opts.Queue = NewRedisQueue(rs.rc, opts.QueueSize)
		} else {
			opts.Queue = NewMemoryQueue(opts.QueueSize)
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Broker{
		store:    opts.Store,
		exec:     opts.Executor,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      opts.Now,
		origin:   uuid.NewString(),
		workers:  opts.Workers,
		timeout:  opts.JobTimeout,
		stale:    opts.StaleAfter,
		retained: opts.Retention,
		queue:    opts.Queue,
		subs:     make(map[string]map[uint64]*subscription),
	}
}

// Start launches the worker pool and, when a bus is configured, the
// completion listener. It returns immediately.
func (b *Broker) Start(ctx context.Context) {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.cancel != nil {
		return
	}
	ctx, b.cancel = context.WithCancel(ctx)
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.work(ctx)
	}
	if b.bus != nil {
		b.wg.Add(1)
		go b.listen(ctx)
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if _, err := b.Recover(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("stalled job recovery failed", zap.Error(err))
		}
	}()
	b.logger.Info("job broker started", zap.Int("workers", b.workers), zap.Bool("bus", b.bus != nil))
}

// Stop halts the workers and waits for running jobs to return.
func (b *Broker) Stop() {
	b.startMu.Lock()
	cancel := b.cancel
	b.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	b.wg.Wait()
}

// Enqueue registers an image edit. A queued, processing or ready job for
// the same image, filters and intervention is returned instead of a new one,
// unless it stalled: that job is failed and replaced.
func (b *Broker) Enqueue(ctx context.Context, spec JobSpec) (*Job, error) {
	if strings.TrimSpace(spec.ImageURL) == "" {
		return nil, fmt.Errorf("%w: image url is required", ErrInvalidJob)
	}
	if !spec.Intervention.IsImageEdit() {
		return nil, fmt.Errorf("%w: %q is not an image edit", ErrInvalidJob, spec.Intervention)
	}

	now := b.now()
	filters := moderation.NormalizeFilterTexts(spec.Filters)
	job := &Job{
		ID:                 uuid.NewString(),
		UserID:             spec.UserID,
		ImageURL:           strings.TrimSpace(spec.ImageURL),
		ImageFingerprint:   ImageFingerprint(spec.ImageURL),
		FiltersFingerprint: FiltersFingerprint(filters),
		Filters:            filters,
		Intervention:       spec.Intervention,
		Regions:            spec.Regions,
		Status:             StatusQueued,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	stored, created, err := b.store.Create(ctx, job)
	if err == nil && !created && stored.stalled(b.staleCutoff()) {
		b.abandon(ctx, stored)
		stored, created, err = b.store.Create(ctx, job)
	}
	if err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}
	if !created {
		b.logger.Debug("job deduplicated", zap.String("job_id", stored.ID), zap.String("status", string(stored.Status)))
		return stored, nil
	}

	if err := b.queue.Push(ctx, stored.ID); err != nil {
		b.logger.Warn("job not queued", zap.String("job_id", stored.ID), zap.Error(err))
		b.complete(ctx, stored.ID, StatusFailed, Outcome{}, err.Error())
		if errors.Is(err, ErrQueueFull) {
			return nil, ErrQueueFull
		}
		return nil, fmt.Errorf("queue job: %w", err)
	}
	b.logger.Debug("job enqueued",
		zap.String("job_id", stored.ID),
		zap.String("user_id", stored.UserID),
		zap.String("intervention", string(stored.Intervention)))
	return stored, nil
}

func (b *Broker) Get(ctx context.Context, id string) (*Job, error) {
	return b.store.Get(ctx, id)
}

// Lookup resolves the latest job for an image under a filter set.
func (b *Broker) Lookup(ctx context.Context, imageURL string, filters []string) (*Job, error) {
	return b.store.Latest(ctx, LookupKey(imageURL, filters))
}

// Subscribe registers fn for jobID. fn runs exactly once: immediately when
// the job is already terminal, else when it finishes. cancel removes the
// subscription.
func (b *Broker) Subscribe(ctx context.Context, jobID string, fn Subscriber) (cancel func(), err error) {
	sub := &subscription{fn: fn}
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[uint64]*subscription)
	}
	b.subs[jobID][id] = sub
	b.mu.Unlock()

	cancel = func() { b.unsubscribe(jobID, id) }

	// Registered first so a completion racing this read is not lost.
	job, err := b.store.Get(ctx, jobID)
	if err != nil {
		cancel()
		return nil, err
	}
	if job.Status.Terminal() {
		cancel()
		sub.deliver(job)
	}
	return cancel, nil
}

func (b *Broker) unsubscribe(jobID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[jobID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(b.subs, jobID)
		}
	}
}

// Wait blocks until jobID is terminal or ctx ends, then returns the job's
// latest state.
func (b *Broker) Wait(ctx context.Context, jobID string) (*Job, error) {
	done := make(chan *Job, 1)
	cancel, err := b.Subscribe(ctx, jobID, func(job *Job) { done <- job })
	if err != nil {
		return nil, err
	}
	defer cancel()
	select {
	case job := <-done:
		return job, nil
	case <-ctx.Done():
		return b.store.Get(context.WithoutCancel(ctx), jobID)
	}
}

// Recover fails every job that made no progress within StaleAfter, so its
// subscribers hear back even when the instance running it died.
func (b *Broker) Recover(ctx context.Context) (int, error) {
	jobs, err := b.store.Stalled(ctx, b.staleCutoff())
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		b.abandon(ctx, job)
	}
	return len(jobs), nil
}

func (b *Broker) staleCutoff() time.Time { return b.now().Add(-b.stale) }

func (b *Broker) abandon(ctx context.Context, job *Job) {
	b.logger.Warn("job stalled, failing it",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Time("updated_at", job.UpdatedAt))
	b.complete(ctx, job.ID, StatusFailed, Outcome{}, ErrStalled.Error())
}

// Sweep drops jobs past retention.
func (b *Broker) Sweep(ctx context.Context) (int, error) {
	return b.store.Sweep(ctx, b.now().Add(-b.retained))
}

// Stats summarises broker activity.
type Stats struct {
	Queued      int   `json:"queued"`
	Subscribers int   `json:"subscribers"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	b.mu.Unlock()
	return Stats{
		Queued:      b.queue.Len(context.Background()),
		Subscribers: n,
		Processed:   b.processed.Load(),
		Failed:      b.failed.Load(),
	}
}

func (b *Broker) work(ctx context.Context) {
	defer b.wg.Done()
	for {
		id, err := b.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("job queue unavailable", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(popRetryDelay):
			}
			continue
		}
		b.run(id)
	}
}

// run executes one job on a context detached from any request.
func (b *Broker) run(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	job, err := b.store.MarkProcessing(ctx, id, b.now())
	if err != nil {
		if !errors.Is(err, ErrAlreadyTerminal) {
			b.logger.Warn("job could not start", zap.String("job_id", id), zap.Error(err))
		}
		return
	}

	start := time.Now()
	out, err := b.execute(ctx, job)
	if err != nil {
		b.logger.Warn("job failed", zap.String("job_id", id), zap.Duration("took", time.Since(start)), zap.Error(err))
		b.complete(ctx, id, StatusFailed, Outcome{}, err.Error())
		return
	}
	b.logger.Info("job finished", zap.String("job_id", id), zap.Duration("took", time.Since(start)))
	b.complete(ctx, id, StatusReady, out, "")
}

func (b *Broker) execute(ctx context.Context, job *Job) (out Outcome, err error) {
	if b.exec == nil {
		return Outcome{}, errors.New("no image executor configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	out, err = b.exec.Execute(ctx, job)
	if err == nil && out.Result == "" {
		err = errors.New("executor returned no result")
	}
	return out, err
}

func (b *Broker) complete(ctx context.Context, id string, status Status, out Outcome, errMsg string) {
	job, err := b.store.Complete(ctx, id, status, out, errMsg, b.now())
	if err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			b.logger.Debug("job already finished", zap.String("job_id", id))
		} else {
			b.logger.Error("job completion not stored", zap.String("job_id", id), zap.Error(err))
		}
		return
	}
	if status == StatusReady {
		b.processed.Add(1)
	} else {
		b.failed.Add(1)
	}
	b.notify(job)
	b.publish(ctx, job)
}

func (b *Broker) notify(job *Job) {
	b.mu.Lock()
	set := b.subs[job.ID]
	delete(b.subs, job.ID)
	b.mu.Unlock()
	for _, sub := range set {
		sub.deliver(job)
	}
}

func (b *Broker) publish(ctx context.Context, job *Job) {
	if b.bus == nil {
		return
	}
	data, err := json.Marshal(completion{Origin: b.origin, Job: job})
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, CompletionChannel, data); err != nil {
		b.logger.Warn("publish completion failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// listen relays completions published by other instances to local
// subscribers.
func (b *Broker) listen(ctx context.Context) {
	defer b.wg.Done()
	ps := b.bus.Subscribe(ctx, CompletionChannel)
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var c completion
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil || c.Job == nil {
				b.logger.Warn("bad completion message", zap.Error(err))
				continue
			}
			if c.Origin == b.origin {
				continue
			}
			b.notify(c.Job)
		}
	}
}
