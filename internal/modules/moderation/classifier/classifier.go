package classifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/diy-mod/core/internal/config"
	"github.com/diy-mod/core/internal/modules/moderation"
	"github.com/diy-mod/core/internal/pkg/llm"
	"github.com/diy-mod/core/internal/pkg/retry"
	"go.uber.org/zap"
)

// ErrMalformedResponse is returned when the model reply is not usable JSON
// even after a stricter second prompt.
var ErrMalformedResponse = errors.New("classifier returned malformed JSON")

const (
	ModeBalanced   = "balanced"
	ModeAggressive = "aggressive"
)

var thresholds = map[string]map[int]float64{
	ModeBalanced:   {1: 0.8, 2: 0.8, 3: 0.7, 4: 0.7, 5: 0.7},
	ModeAggressive: {1: 0.7, 2: 0.6, 3: 0.5, 4: 0.4, 5: 0.3},
}

// Threshold returns the minimum confidence for a match at intensity.
func Threshold(mode string, intensity int) float64 {
	table, ok := thresholds[mode]
	if !ok {
		table = thresholds[ModeBalanced]
	}
	if intensity < 1 {
		intensity = 1
	}
	if intensity > 5 {
		intensity = 5
	}
	return table[intensity]
}

// Classifier decides which filters match a fragment with one batched model
// call per fragment.
type Classifier struct {
	text      llm.Generator
	vision    llm.Generator
	mode      string
	maxTokens int
	retrier   *retry.Retrier
	logger    *zap.Logger
}

// New builds a Classifier. vision may be nil, in which case image fragments
// are sent to text.
func New(text, vision llm.Generator, cfg config.ClassifierConfig, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if vision == nil {
		vision = text
	}
	mode := cfg.Mode
	if mode != ModeAggressive {
		mode = ModeBalanced
	}
	c := &Classifier{
		text:      text,
		vision:    vision,
		mode:      mode,
		maxTokens: cfg.MaxTokens,
		retrier:   retry.New(cfg.Retry),
		logger:    logger,
	}
	return c
}

// Mode returns the effective classification mode.
func (c *Classifier) Mode() string { return c.mode }

// Classify returns one result per applicable filter. No filters means no
// model call and an empty result.
func (c *Classifier) Classify(ctx context.Context, frag moderation.Fragment, filters []moderation.Filter) ([]moderation.ClassificationResult, error) {
	applicable := moderation.FiltersFor(filters, frag.Kind)
	if len(applicable) == 0 {
		return nil, nil
	}

	criteria := buildCriteria(applicable, c.mode)
	req := llm.Request{
		System:    systemPrompt,
		Prompt:    buildUserPrompt(frag, criteria),
		MaxTokens: c.maxTokens,
	}
	gen := c.text
	if frag.Kind == moderation.KindImage {
		req.ImageURL = frag.Content
		gen = c.vision
	}

	reply, err := c.call(ctx, gen, req)
	if err != nil {
		return nil, err
	}
	parsed, perr := parseReply(reply)
	if perr != nil {
		c.logger.Debug("classifier reply malformed, retrying strictly",
			zap.String("fragment_id", frag.ID), zap.Error(perr))
		req.System = systemPrompt + strictSuffix
		reply, err = c.call(ctx, gen, req)
		if err != nil {
			return nil, err
		}
		if parsed, perr = parseReply(reply); perr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, perr)
		}
	}

	return c.buildResults(frag, applicable, criteria, parsed), nil
}

func (c *Classifier) call(ctx context.Context, gen llm.Generator, req llm.Request) (string, error) {
	var out string
	err := c.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		reply, err := gen.Generate(ctx, req)
		if err != nil {
			if !retryable(err) {
				return retry.Permanent(err)
			}
			c.logger.Debug("classifier call failed", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		out = reply
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	return out, nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, llm.ErrVisionUnsupported) || errors.Is(err, llm.ErrNoProvider) {
		return false
	}
	var se *llm.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}

// buildCriteria maps filters to prompt criteria. Aggressive mode merges
// filters of equal intensity into one "A OR B" criterion.
func buildCriteria(filters []moderation.Filter, mode string) []criterion {
	if mode != ModeAggressive {
		out := make([]criterion, len(filters))
		for i, f := range filters {
			out[i] = criterion{Text: f.Text, Intensity: f.Intensity, Members: []int{i}}
		}
		return out
	}

	byIntensity := make(map[int][]int)
	for i, f := range filters {
		byIntensity[f.Intensity] = append(byIntensity[f.Intensity], i)
	}
	levels := make([]int, 0, len(byIntensity))
	for lvl := range byIntensity {
		levels = append(levels, lvl)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))

	out := make([]criterion, 0, len(levels))
	for _, lvl := range levels {
		members := byIntensity[lvl]
		texts := make([]string, len(members))
		for i, m := range members {
			texts[i] = filters[m].Text
		}
		out = append(out, criterion{Text: strings.Join(texts, " OR "), Intensity: lvl, Members: members})
	}
	return out
}

type replyMatch struct {
	Index       int                 `json:"index"`
	Confidence  float64             `json:"confidence"`
	Spans       []string            `json:"spans"`
	Warning     string              `json:"warning"`
	Coordinates []moderation.Region `json:"coordinates"`
}

type reply struct {
	Matches []replyMatch `json:"matches"`

	// Older prompt format: indices plus a confidence map keyed by index.
	MatchedFilterIDs []int              `json:"matched_filter_ids"`
	ConfidenceScores map[string]float64 `json:"confidence_scores"`
}

func parseReply(raw string) ([]replyMatch, error) {
	var r reply
	if err := llm.DecodeJSON(raw, &r); err != nil {
		return nil, err
	}
	if r.Matches == nil && r.MatchedFilterIDs == nil {
		return nil, errors.New(`reply has neither "matches" nor "matched_filter_ids"`)
	}
	out := r.Matches
	for _, idx := range r.MatchedFilterIDs {
		conf, ok := r.ConfidenceScores[strconv.Itoa(idx)]
		if !ok {
			conf = 1
		}
		out = append(out, replyMatch{Index: idx, Confidence: conf})
	}
	return out, nil
}

func (c *Classifier) buildResults(frag moderation.Fragment, filters []moderation.Filter, criteria []criterion, matches []replyMatch) []moderation.ClassificationResult {
	results := make([]moderation.ClassificationResult, len(filters))
	for i, f := range filters {
		results[i] = moderation.ClassificationResult{FragmentID: frag.ID, FilterID: f.ID}
	}

	for _, m := range matches {
		if m.Index < 0 || m.Index >= len(criteria) {
			continue
		}
		crit := criteria[m.Index]
		conf := clamp01(m.Confidence)
		matched := conf >= Threshold(c.mode, crit.Intensity)

		var spans []moderation.Span
		var phrases []string
		var regions []moderation.Region
		if matched {
			if frag.Kind == moderation.KindText {
				phrases = moderation.CleanPhrases(m.Spans)
				spans = moderation.LocateSpans(frag.Content, phrases)
			} else {
				regions = clampRegions(m.Coordinates)
			}
		}
		for _, member := range crit.Members {
			r := &results[member]
			if conf < r.Confidence && r.Matched {
				continue
			}
			r.Matched = matched
			r.Confidence = conf
			r.Spans = spans
			r.Phrases = phrases
			r.Regions = regions
			r.Warning = sanitizeWarning(m.Warning)
		}
	}
	return results
}

func clampRegions(in []moderation.Region) []moderation.Region {
	out := make([]moderation.Region, 0, len(in))
	for _, r := range in {
		r.X, r.Y = clamp01(r.X), clamp01(r.Y)
		r.Width, r.Height = clamp01(r.Width), clamp01(r.Height)
		if r.Width == 0 || r.Height == 0 {
			continue
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func sanitizeWarning(w string) string {
	w = strings.TrimSpace(strings.ReplaceAll(w, "|", " "))
	if r := []rune(w); len(r) > 100 {
		w = string(r[:100])
	}
	return w
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
