// Package pipeline turns a feed of posts into an annotated feed: it splits
// posts into fragments, classifies and plans each one through the result
// cache, renders the decisions and reassembles the posts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/diy-mod/core/internal/models"
	"github.com/diy-mod/core/internal/modules/delivery/broker"
	"github.com/diy-mod/core/internal/modules/moderation"
	"github.com/diy-mod/core/internal/modules/moderation/rcache"
	"github.com/diy-mod/core/internal/modules/moderation/transformer"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidRequest     = errors.New("invalid feed request")
	ErrFiltersUnavailable = errors.New("filter store unavailable")
)

type FilterSource interface {
	ActiveFilters(ctx context.Context, userID string) ([]moderation.Filter, error)
}

type Classifier interface {
	Classify(ctx context.Context, frag moderation.Fragment, filters []moderation.Filter) ([]moderation.ClassificationResult, error)
	Mode() string
}

type Planner interface {
	Decide(frag moderation.Fragment, results []moderation.ClassificationResult, filters []moderation.Filter) moderation.Decision
}

type Renderer interface {
	Apply(ctx context.Context, frag moderation.Fragment, d moderation.Decision) (transformer.Rendered, error)
	Rewrite(ctx context.Context, frag moderation.Fragment, d moderation.Decision) (string, error)
}

// JobWaiter lets the orchestrator hold the response briefly for image jobs.
type JobWaiter interface {
	Wait(ctx context.Context, jobID string) (*broker.Job, error)
}

type Deps struct {
	Filters     FilterSource
	Classifier  Classifier
	Planner     Planner
	Transformer Renderer
	Cache       *rcache.Cache
	Jobs        JobWaiter
	Logs        LogSink
}

type Options struct {
	MaxConcurrency int
	Deadline       time.Duration
	ImageWait      time.Duration
	Logger         *zap.Logger
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	logWG  sync.WaitGroup
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if deps.Cache == nil {
		deps.Cache = rcache.New(rcache.Options{Logger: opts.Logger})
	}
	return &Orchestrator{deps: deps, opts: opts, logger: opts.Logger}
}

// slots collects per-fragment results until the feed is sealed; writes after
// sealing are dropped.
type slots struct {
	mu     sync.Mutex
	sealed bool
	out    []transformer.Rendered
	done   []bool
	diags  []Diagnostic
}

func (s *slots) set(i int, r transformer.Rendered, diags []Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return
	}
	s.out[i] = r
	s.done[i] = true
	s.diags = append(s.diags, diags...)
}

func (s *slots) seal() ([]transformer.Rendered, []bool, []Diagnostic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return append([]transformer.Rendered(nil), s.out...), append([]bool(nil), s.done...), append([]Diagnostic(nil), s.diags...)
}

// ProcessFeed moderates every post of req for req.UserID. It fails only when
// the request is invalid or the user's filters cannot be loaded; any
// per-fragment failure leaves that fragment unmodified and is reported in
// the feed's diagnostics.
func (o *Orchestrator) ProcessFeed(ctx context.Context, req FeedRequest) (*AnnotatedFeed, error) {
	start := time.Now()
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}

	filters, err := o.deps.Filters.ActiveFilters(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFiltersUnavailable, err)
	}

	frags, owner := split(req)
	results := &slots{out: make([]transformer.Rendered, len(frags)), done: make([]bool, len(frags))}

	dctx, cancel := context.WithTimeout(ctx, o.opts.Deadline)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		g, gctx := errgroup.WithContext(dctx)
		g.SetLimit(o.opts.MaxConcurrency)
		for i := range frags {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				r, diags := o.processFragment(gctx, frags[i], filters)
				if gctx.Err() != nil {
					// reported as a deadline miss below
					return nil
				}
				results.set(i, r, diags)
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-finished:
	case <-dctx.Done():
	}
	rendered, done, diags := results.seal()
	for i, f := range frags {
		if !done[i] {
			rendered[i] = passthrough(f)
			diags = append(diags, Diagnostic{FragmentID: f.ID, PostID: f.PostID, Stage: StageDeadline, Message: "not finished before the feed deadline"})
		}
	}

	if o.opts.ImageWait > 0 && o.deps.Jobs != nil {
		o.waitImages(ctx, rendered)
	}

	feed := assemble(req, frags, owner, rendered)
	feed.SessionID = uuid.NewString()
	feed.Diagnostics = diags
	feed.ProcessingTimeMS = time.Since(start).Milliseconds()

	o.logger.Info("feed processed",
		zap.String("user_id", req.UserID),
		zap.String("session_id", feed.SessionID),
		zap.Int("posts", len(req.Posts)),
		zap.Int("fragments", len(frags)),
		zap.Int("diagnostics", len(diags)),
		zap.Int64("took_ms", feed.ProcessingTimeMS))
	o.saveLog(ctx, req, len(frags), feed)
	return feed, nil
}

// Flush waits for pending processing-log writes.
func (o *Orchestrator) Flush() { o.logWG.Wait() }

func (o *Orchestrator) processFragment(ctx context.Context, frag moderation.Fragment, filters []moderation.Filter) (r transformer.Rendered, diags []Diagnostic) {
	diag := func(stage string, err error) {
		diags = append(diags, Diagnostic{FragmentID: frag.ID, PostID: frag.PostID, Stage: stage, Message: err.Error()})
	}
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("fragment panicked", zap.String("fragment_id", frag.ID), zap.Any("panic", rec))
			r = passthrough(frag)
			diag(StagePanic, fmt.Errorf("%v", rec))
		}
	}()

	applicable := moderation.FiltersFor(filters, frag.Kind)
	if len(applicable) == 0 {
		return passthrough(frag), nil
	}

	fp := rcache.Compute(frag.Kind, frag.Content, applicable, o.deps.Classifier.Mode())
	d, cached, err := o.deps.Cache.Do(ctx, fp, func(ctx context.Context) (moderation.Decision, error) {
		res, err := o.deps.Classifier.Classify(ctx, frag, applicable)
		if err != nil {
			return moderation.Decision{}, err
		}
		d := o.deps.Planner.Decide(frag, res, applicable)
		d.FragmentID = ""
		return d, nil
	})
	if err != nil {
		o.logger.Warn("classification failed, fragment left unmodified",
			zap.String("fragment_id", frag.ID), zap.Error(err))
		diag(StageClassify, err)
		return passthrough(frag), diags
	}
	d.FragmentID = frag.ID
	if cached {
		o.logger.Debug("decision cache hit", zap.String("fragment_id", frag.ID), zap.String("type", string(d.Type)))
	}

	downgraded := false
	if d.Type == moderation.InterventionRewrite && frag.Kind == moderation.KindText && d.Payload.Replacement == "" {
		d, err = o.rewrite(ctx, fp, frag, d)
		if err != nil {
			diag(StageRewrite, err)
			downgraded = true
		}
	}

	r, err = o.deps.Transformer.Apply(ctx, frag, d)
	if err != nil {
		diag(StageTransform, err)
		return passthrough(frag), diags
	}
	if r.Downgraded {
		diag(StageTransform, errors.New(r.Note))
	}
	r.Downgraded = r.Downgraded || downgraded
	return r, diags
}

// rewrite memoizes the replacement text under a key derived from the
// decision's fingerprint and the raw fragment text, since the fingerprint
// alone also matches differently marked-up copies. On failure it returns the
// overlay downgrade.
func (o *Orchestrator) rewrite(ctx context.Context, fp rcache.Fingerprint, frag moderation.Fragment, d moderation.Decision) (moderation.Decision, error) {
	rd, _, err := o.deps.Cache.Do(ctx, fp.Derive("rewrite", frag.Content), func(ctx context.Context) (moderation.Decision, error) {
		text, err := o.deps.Transformer.Rewrite(ctx, frag, d)
		if err != nil {
			return moderation.Decision{}, err
		}
		out := d
		out.FragmentID = ""
		out.Payload.Replacement = text
		return out, nil
	})
	if err != nil {
		o.logger.Warn("rewrite failed, falling back to overlay",
			zap.String("fragment_id", frag.ID), zap.Error(err))
		return transformer.Downgrade(d), err
	}
	d.Payload.Replacement = rd.Payload.Replacement
	return d, nil
}

func (o *Orchestrator) waitImages(ctx context.Context, rendered []transformer.Rendered) {
	wctx, cancel := context.WithTimeout(ctx, o.opts.ImageWait)
	defer cancel()
	g, gctx := errgroup.WithContext(wctx)
	g.SetLimit(o.opts.MaxConcurrency)
	for i := range rendered {
		img := rendered[i].Image
		if img == nil || img.JobID == "" || img.Status != moderation.ImageStatusProcessing {
			continue
		}
		g.Go(func() error {
			job, err := o.deps.Jobs.Wait(gctx, img.JobID)
			if err != nil || job == nil {
				return nil
			}
			transformer.Describe(job, img)
			return nil
		})
	}
	_ = g.Wait()
}

func passthrough(frag moderation.Fragment) transformer.Rendered {
	return transformer.Rendered{FragmentID: frag.ID, Type: moderation.InterventionNone, Text: frag.Content}
}

// countable reports whether r visibly changed its fragment.
func countable(r transformer.Rendered) bool {
	if r.Type == moderation.InterventionNone || r.Type == "" {
		return false
	}
	return r.Image == nil || r.Image.Status != moderation.ImageStatusFailed
}

func assemble(req FeedRequest, frags []moderation.Fragment, owner []int, rendered []transformer.Rendered) *AnnotatedFeed {
	feed := &AnnotatedFeed{
		Posts: make([]PostResult, len(req.Posts)),
		InterventionCounts: map[string]int{
			string(moderation.InterventionBlur):          0,
			string(moderation.InterventionOverlay):       0,
			string(moderation.InterventionRewrite):       0,
			string(moderation.InterventionCartoonish):    0,
			string(moderation.InterventionEditToReplace): 0,
		},
	}
	seen := make([]map[moderation.InterventionType]bool, len(req.Posts))
	for i, p := range req.Posts {
		feed.Posts[i] = PostResult{ID: PostID(p, i), Images: []ImageResult{}}
		seen[i] = map[moderation.InterventionType]bool{}
	}

	for i, f := range frags {
		pi := owner[i]
		post := &feed.Posts[pi]
		r := rendered[i]
		switch f.Field {
		case moderation.FieldTitle:
			post.TitleHTML = r.Text
		case moderation.FieldBody:
			post.ContentHTML = r.Text
		case moderation.FieldImage:
			post.Images = append(post.Images, ImageResult{URL: f.Content, Intervention: r.Image})
		}
		if countable(r) && !seen[pi][r.Type] {
			seen[pi][r.Type] = true
			feed.InterventionCounts[string(r.Type)]++
		}
	}
	return feed
}

func (o *Orchestrator) saveLog(ctx context.Context, req FeedRequest, fragments int, feed *AnnotatedFeed) {
	if o.deps.Logs == nil {
		return
	}
	diags := make([]string, 0, len(feed.Diagnostics))
	for _, d := range feed.Diagnostics {
		diags = append(diags, d.String())
	}
	counts := make(map[string]int, len(feed.InterventionCounts))
	for k, v := range feed.InterventionCounts {
		counts[k] = v
	}
	entry := &models.ProcessingLogModel{
		UserID:           req.UserID,
		SessionID:        feed.SessionID,
		URL:              req.URL,
		PostCount:        len(req.Posts),
		FragmentCount:    fragments,
		Counts:           counts,
		Diagnostics:      diags,
		ProcessingTimeMS: feed.ProcessingTimeMS,
	}

	o.logWG.Add(1)
	go func() {
		defer o.logWG.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.deps.Logs.Save(sctx, entry); err != nil {
			o.logger.Warn("save processing log failed", zap.String("session_id", entry.SessionID), zap.Error(err))
		}
	}()
}
