// Package moderation holds the types shared by the feed-moderation stages:
// fragments, filter snapshots, classification results and intervention
// decisions.
package moderation

import (
	"sort"
	"strings"
	"time"
)

type FragmentKind string

const (
	KindText  FragmentKind = "text"
	KindImage FragmentKind = "image"
)

type Field string

const (
	FieldTitle Field = "title"
	FieldBody  Field = "body"
	FieldImage Field = "image"
)

// Fragment is one unit of moderation work cut from a post. Fragments are
// request scoped and never modified after the feed is split.
type Fragment struct {
	ID       string       `json:"fragment_id"`
	PostID   string       `json:"post_id"`
	UserID   string       `json:"user_id"`
	Kind     FragmentKind `json:"kind"`
	Field    Field        `json:"field"`
	Content  string       `json:"raw_content"`
	Position int          `json:"position"`
}

// Filter is an immutable snapshot of an active user filter.
type Filter struct {
	ID           string           `json:"id"`
	Text         string           `json:"filter_text"`
	ContentType  string           `json:"content_type"`
	Intensity    int              `json:"intensity"`
	Intervention InterventionType `json:"intervention,omitempty"`
	Version      int              `json:"version"`
	CreatedAt    time.Time        `json:"created_at"`
}

// AppliesTo reports whether the filter targets fragments of kind.
func (f Filter) AppliesTo(kind FragmentKind) bool {
	switch f.ContentType {
	case "", "all":
		return true
	default:
		return f.ContentType == string(kind)
	}
}

// FiltersFor returns the filters that apply to kind, preserving order.
func FiltersFor(filters []Filter, kind FragmentKind) []Filter {
	out := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f.AppliesTo(kind) {
			out = append(out, f)
		}
	}
	return out
}

// FilterTexts returns the sorted, de-duplicated filter texts. This is the
// identity clients use when asking for deferred image results.
func FilterTexts(filters []Filter) []string {
	texts := make([]string, 0, len(filters))
	for _, f := range filters {
		texts = append(texts, f.Text)
	}
	return NormalizeFilterTexts(texts)
}

// NormalizeFilterTexts trims, drops empties, de-duplicates and sorts.
func NormalizeFilterTexts(texts []string) []string {
	seen := make(map[string]struct{}, len(texts))
	out := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Span is a byte range [Start, End) inside a fragment's content.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Region is a bounding box on an image in relative coordinates (0..1).
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ClassificationResult is the classifier's verdict for one filter.
type ClassificationResult struct {
	FragmentID string   `json:"fragment_id"`
	FilterID   string   `json:"filter_id"`
	Matched    bool     `json:"matched"`
	Confidence float64  `json:"confidence"`
	Spans      []Span   `json:"spans,omitempty"`
	Phrases    []string `json:"phrases,omitempty"`
	Regions    []Region `json:"coordinates,omitempty"`
	Warning    string   `json:"warning,omitempty"`
}

type InterventionType string

const (
	InterventionNone          InterventionType = "none"
	InterventionBlur          InterventionType = "blur"
	InterventionOverlay       InterventionType = "overlay"
	InterventionRewrite       InterventionType = "rewrite"
	InterventionCartoonish    InterventionType = "cartoonish"
	InterventionEditToReplace InterventionType = "edit_to_replace"
)

// IsImageEdit reports whether t is executed out of band by the image worker.
func (t InterventionType) IsImageEdit() bool {
	return t == InterventionCartoonish || t == InterventionEditToReplace
}

// ValidFor reports whether t can be rendered on a fragment of kind.
func (t InterventionType) ValidFor(kind FragmentKind) bool {
	switch t {
	case InterventionNone, InterventionBlur, InterventionOverlay:
		return true
	case InterventionRewrite:
		return kind == KindText
	case InterventionCartoonish, InterventionEditToReplace:
		return kind == KindImage
	}
	return false
}

// ParseIntervention accepts the wire names plus a few legacy aliases.
func ParseIntervention(s string) (InterventionType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", true
	case "none":
		return InterventionNone, true
	case "blur":
		return InterventionBlur, true
	case "overlay", "warning":
		return InterventionOverlay, true
	case "rewrite":
		return InterventionRewrite, true
	case "cartoonish", "cartoon":
		return InterventionCartoonish, true
	case "edit_to_replace", "edit":
		return InterventionEditToReplace, true
	}
	return "", false
}

// Payload carries whatever the transformer needs to render a decision.
type Payload struct {
	FilterIDs   []string `json:"filter_ids,omitempty"`
	FilterTexts []string `json:"filter_texts,omitempty"`
	Intensity   int      `json:"intensity,omitempty"`
	Warning     string   `json:"warning,omitempty"`
	// Phrases are the matched text the blur spans were located from. Cached
	// decisions are shared by fragments whose raw bytes differ, so renderers
	// locate Phrases in their own content and fall back to Spans only when
	// no phrases are known.
	Phrases     []string `json:"phrases,omitempty"`
	Spans       []Span   `json:"spans,omitempty"`
	Regions     []Region `json:"coordinates,omitempty"`
	Replacement string   `json:"replacement,omitempty"`
}

// Decision is the planner's output for one fragment and the value stored in
// the result cache. Cached decisions are shared between requests, so callers
// copy before changing FragmentID.
type Decision struct {
	FragmentID string           `json:"fragment_id"`
	Type       InterventionType `json:"type"`
	Payload    Payload          `json:"payload"`
}

// NoIntervention returns the pass-through decision for fragmentID.
func NoIntervention(fragmentID string) Decision {
	return Decision{FragmentID: fragmentID, Type: InterventionNone}
}

// ImageIntervention is the descriptor attached to an image in the response.
type ImageIntervention struct {
	Type    InterventionType `json:"type"`
	Status  string           `json:"status"`
	Regions []Region         `json:"coordinates,omitempty"`
	JobID   string           `json:"job_id,omitempty"`
	Filters []string         `json:"filters,omitempty"`
	Result  string           `json:"result,omitempty"`
	Warning string           `json:"warning,omitempty"`
	Error   string           `json:"error,omitempty"`
}

const (
	ImageStatusCompleted  = "completed"
	ImageStatusProcessing = "processing"
	ImageStatusFailed     = "failed"
)
