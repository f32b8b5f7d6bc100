// Package transformer renders intervention decisions: inline markers for
// text and descriptors (or deferred jobs) for images.
package transformer

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/diy-mod/core/internal/modules/delivery/broker"
	"github.com/diy-mod/core/internal/modules/moderation"
	"go.uber.org/zap"
)

// RewriteFallbackWarning is shown when a rewrite could not be produced.
const RewriteFallbackWarning = "Warning: This content may contain sensitive topics"

// Enqueuer hands image edits to the deferred result broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec broker.JobSpec) (*broker.Job, error)
}

// Rendered is the outcome of applying a decision to one fragment.
type Rendered struct {
	FragmentID string
	// Type is the intervention actually rendered, after any downgrade.
	Type       moderation.InterventionType
	Text       string
	Image      *moderation.ImageIntervention
	Downgraded bool
	Note       string
}

type Transformer struct {
	rewriter Rewriter
	broker   Enqueuer
	logger   *zap.Logger
}

func New(rewriter Rewriter, enqueuer Enqueuer, logger *zap.Logger) *Transformer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transformer{rewriter: rewriter, broker: enqueuer, logger: logger}
}

// Apply renders d on frag. Failures of the intervention itself are
// downgraded and reported on the result, never returned as errors.
func (t *Transformer) Apply(ctx context.Context, frag moderation.Fragment, d moderation.Decision) (Rendered, error) {
	if frag.Kind == moderation.KindImage {
		return t.applyImage(ctx, frag, d), nil
	}
	return t.applyText(ctx, frag, d), nil
}

// Rewrite asks the rewriter for replacement text and cleans it.
func (t *Transformer) Rewrite(ctx context.Context, frag moderation.Fragment, d moderation.Decision) (string, error) {
	if t.rewriter == nil {
		return "", errors.New("no rewriter configured")
	}
	out, err := t.rewriter.Rewrite(ctx, CleanMarkers(frag.Content), topicsOf(d))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(CleanMarkers(out))
	if out == "" {
		return "", errors.New("rewrite came back empty")
	}
	return out, nil
}

// Downgrade turns a failed rewrite into the generic warning overlay.
func Downgrade(d moderation.Decision) moderation.Decision {
	out := d
	out.Type = moderation.InterventionOverlay
	out.Payload.Warning = RewriteFallbackWarning
	out.Payload.Replacement = ""
	return out
}

func (t *Transformer) applyText(ctx context.Context, frag moderation.Fragment, d moderation.Decision) Rendered {
	content := CleanMarkers(frag.Content)
	r := Rendered{FragmentID: frag.ID, Type: d.Type}

	switch d.Type {
	case moderation.InterventionBlur:
		r.Text = blurSpans(content, blurRanges(content, frag.Content, d.Payload))
	case moderation.InterventionOverlay:
		r.Text = WrapOverlay(d.Payload.Warning, content)
	case moderation.InterventionRewrite:
		replacement := strings.TrimSpace(CleanMarkers(d.Payload.Replacement))
		if replacement == "" {
			var err error
			replacement, err = t.Rewrite(ctx, frag, d)
			if err != nil {
				t.logger.Warn("rewrite failed, falling back to overlay",
					zap.String("fragment_id", frag.ID), zap.Error(err))
				r.Type = moderation.InterventionOverlay
				r.Text = WrapOverlay(RewriteFallbackWarning, content)
				r.Downgraded = true
				r.Note = "rewrite failed: " + err.Error()
				return r
			}
		}
		r.Text = WrapRewrite(replacement)
	default:
		r.Type = moderation.InterventionNone
		r.Text = content
	}
	return r
}

// blurRanges locates the decision's phrases in content. Offsets carried on
// the payload are only trusted when no phrases are known and content is the
// raw text they were computed on.
func blurRanges(content, raw string, p moderation.Payload) []moderation.Span {
	if len(p.Phrases) > 0 {
		return moderation.LocateSpans(content, p.Phrases)
	}
	if content != raw {
		return nil
	}
	return p.Spans
}

// blurSpans wraps each span, or the whole content when no usable span exists.
func blurSpans(content string, spans []moderation.Span) string {
	var b strings.Builder
	last := 0
	wrapped := false
	for _, s := range spans {
		if s.Start < last || s.End > len(content) || s.Start >= s.End || !onRuneBoundary(content, s) {
			continue
		}
		b.WriteString(content[last:s.Start])
		b.WriteString(WrapBlur(content[s.Start:s.End]))
		last = s.End
		wrapped = true
	}
	if !wrapped {
		return WrapBlur(content)
	}
	b.WriteString(content[last:])
	return b.String()
}

func onRuneBoundary(content string, s moderation.Span) bool {
	return utf8.RuneStart(content[s.Start]) && (s.End == len(content) || utf8.RuneStart(content[s.End]))
}

func (t *Transformer) applyImage(ctx context.Context, frag moderation.Fragment, d moderation.Decision) Rendered {
	r := Rendered{FragmentID: frag.ID, Type: d.Type, Text: frag.Content}

	switch {
	case d.Type == moderation.InterventionBlur || d.Type == moderation.InterventionOverlay:
		r.Image = &moderation.ImageIntervention{
			Type:    d.Type,
			Status:  moderation.ImageStatusCompleted,
			Regions: d.Payload.Regions,
			Warning: d.Payload.Warning,
		}
	case d.Type.IsImageEdit():
		r.Image = t.enqueue(ctx, frag, d)
		if r.Image.Status == moderation.ImageStatusFailed {
			r.Downgraded = true
			r.Note = "image edit failed: " + r.Image.Error
		}
	default:
		r.Type = moderation.InterventionNone
	}
	return r
}

func (t *Transformer) enqueue(ctx context.Context, frag moderation.Fragment, d moderation.Decision) *moderation.ImageIntervention {
	desc := &moderation.ImageIntervention{
		Type:    d.Type,
		Regions: d.Payload.Regions,
		Filters: moderation.NormalizeFilterTexts(d.Payload.FilterTexts),
	}
	if t.broker == nil {
		desc.Status = moderation.ImageStatusFailed
		desc.Error = "image processing unavailable"
		return desc
	}

	job, err := t.broker.Enqueue(ctx, broker.JobSpec{
		UserID:       frag.UserID,
		ImageURL:     frag.Content,
		Filters:      desc.Filters,
		Intervention: d.Type,
		Regions:      d.Payload.Regions,
	})
	if err != nil {
		t.logger.Warn("enqueue image job failed", zap.String("fragment_id", frag.ID), zap.Error(err))
		desc.Status = moderation.ImageStatusFailed
		desc.Error = err.Error()
		return desc
	}
	return Describe(job, desc)
}

// Describe fills desc from job's current state.
func Describe(job *broker.Job, desc *moderation.ImageIntervention) *moderation.ImageIntervention {
	desc.JobID = job.ID
	switch job.Status {
	case broker.StatusReady:
		desc.Status = moderation.ImageStatusCompleted
		desc.Result = job.Result
	case broker.StatusFailed:
		desc.Status = moderation.ImageStatusFailed
		desc.Error = job.Error
	default:
		desc.Status = moderation.ImageStatusProcessing
	}
	return desc
}
