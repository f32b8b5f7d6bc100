package classifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/diy-mod/core/internal/config"
	"github.com/diy-mod/core/internal/modules/moderation"
	"github.com/diy-mod/core/internal/pkg/llm"
	"github.com/diy-mod/core/internal/pkg/retry"
)

type fakeGen struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	reqs    []llm.Request
}

func (f *fakeGen) Generate(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.replies) {
		return f.replies[i], nil
	}
	return f.replies[len(f.replies)-1], nil
}

func (f *fakeGen) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func cfg(mode string) config.ClassifierConfig {
	return config.ClassifierConfig{Mode: mode, MaxTokens: 200, Retry: retry.Policy{MaxAttempts: 3}}
}

var textFrag = moderation.Fragment{ID: "p1:title", PostID: "p1", Kind: moderation.KindText, Field: moderation.FieldTitle, Content: "I love Rust and Go"}

func TestNoFiltersSkipsModel(t *testing.T) {
	gen := &fakeGen{replies: []string{`{"matches":[]}`}}
	c := New(gen, nil, cfg(ModeBalanced), nil)

	res, err := c.Classify(context.Background(), textFrag, nil)
	if err != nil || len(res) != 0 {
		t.Fatalf("got %v %v", res, err)
	}
	imageOnly := []moderation.Filter{{ID: "f", Text: "cats", ContentType: "image", Intensity: 3}}
	if res, _ := c.Classify(context.Background(), textFrag, imageOnly); len(res) != 0 {
		t.Fatalf("image filter applied to text: %v", res)
	}
	if gen.calls() != 0 {
		t.Fatalf("expected no model calls, got %d", gen.calls())
	}
}

func TestBalancedThresholdsAndSpans(t *testing.T) {
	gen := &fakeGen{replies: []string{
		`{"matches":[{"index":0,"confidence":0.75,"spans":["Rust","go"],"warning":"Heads | up"},{"index":1,"confidence":0.75}]}`,
	}}
	c := New(gen, nil, cfg(ModeBalanced), nil)
	filters := []moderation.Filter{
		{ID: "f1", Text: "Rust|Go", ContentType: "text", Intensity: 3},
		{ID: "f2", Text: "programming", ContentType: "all", Intensity: 1},
	}

	res, err := c.Classify(context.Background(), textFrag, filters)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 2 {
		t.Fatalf("expected one result per filter, got %d", len(res))
	}
	if !res[0].Matched || res[0].FilterID != "f1" || res[0].FragmentID != "p1:title" {
		t.Fatalf("f1 should match: %+v", res[0])
	}
	want := []moderation.Span{{Start: 7, End: 11}, {Start: 16, End: 18}}
	if len(res[0].Spans) != 2 || res[0].Spans[0] != want[0] || res[0].Spans[1] != want[1] {
		t.Fatalf("unexpected spans %+v", res[0].Spans)
	}
	if len(res[0].Phrases) != 2 || res[0].Phrases[0] != "Rust" || res[0].Phrases[1] != "go" {
		t.Fatalf("matched phrases not kept: %+v", res[0].Phrases)
	}
	if res[0].Warning != "Heads   up" {
		t.Fatalf("pipe not stripped from warning: %q", res[0].Warning)
	}
	if res[1].Matched {
		t.Fatalf("f2 below its 0.8 threshold should not match: %+v", res[1])
	}
	if !strings.Contains(gen.reqs[0].Prompt, "0. Rust|Go") || !strings.Contains(gen.reqs[0].Prompt, "1. programming") {
		t.Fatalf("filters not batched into one prompt:\n%s", gen.reqs[0].Prompt)
	}
}

func TestAggressiveGroupsByIntensity(t *testing.T) {
	gen := &fakeGen{replies: []string{`{"matches":[{"index":1,"confidence":0.65}]}`}}
	c := New(gen, nil, cfg(ModeAggressive), nil)
	filters := []moderation.Filter{
		{ID: "a", Text: "spiders", Intensity: 2},
		{ID: "b", Text: "snakes", Intensity: 2},
		{ID: "c", Text: "war", Intensity: 4},
	}

	res, err := c.Classify(context.Background(), textFrag, filters)
	if err != nil {
		t.Fatal(err)
	}
	prompt := gen.reqs[0].Prompt
	if !strings.Contains(prompt, "0. war") || !strings.Contains(prompt, "1. spiders OR snakes") {
		t.Fatalf("unexpected grouping:\n%s", prompt)
	}
	if !res[0].Matched || !res[1].Matched || res[2].Matched {
		t.Fatalf("group match should cover both members only: %+v", res)
	}
}

func TestMalformedRetry(t *testing.T) {
	filters := []moderation.Filter{{ID: "f1", Text: "Rust", Intensity: 3}}

	gen := &fakeGen{replies: []string{"I think it matches!", `{"matches":[{"index":0,"confidence":0.9}]}`}}
	c := New(gen, nil, cfg(ModeBalanced), nil)
	res, err := c.Classify(context.Background(), textFrag, filters)
	if err != nil || !res[0].Matched {
		t.Fatalf("strict retry should recover: %v %v", res, err)
	}
	if gen.calls() != 2 || !strings.Contains(gen.reqs[1].System, "could not be parsed") {
		t.Fatalf("expected a stricter second prompt, calls=%d", gen.calls())
	}

	bad := &fakeGen{replies: []string{"nope", "still nope"}}
	c = New(bad, nil, cfg(ModeBalanced), nil)
	if _, err := c.Classify(context.Background(), textFrag, filters); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
	if bad.calls() != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", bad.calls())
	}
}

func TestLegacyReplyFormat(t *testing.T) {
	gen := &fakeGen{replies: []string{`{"matched_filter_ids":[0],"confidence_scores":{"0":0.85}}`}}
	c := New(gen, nil, cfg(ModeBalanced), nil)
	res, err := c.Classify(context.Background(), textFrag, []moderation.Filter{{ID: "f1", Text: "Rust", Intensity: 3}})
	if err != nil || !res[0].Matched || res[0].Confidence != 0.85 {
		t.Fatalf("got %+v %v", res, err)
	}
}

func TestTransportRetry(t *testing.T) {
	filters := []moderation.Filter{{ID: "f1", Text: "Rust", Intensity: 3}}

	gen := &fakeGen{
		errs:    []error{errors.New("connection reset")},
		replies: []string{"", `{"matches":[]}`},
	}
	c := New(gen, nil, cfg(ModeBalanced), nil)
	if _, err := c.Classify(context.Background(), textFrag, filters); err != nil {
		t.Fatalf("transient error should be retried: %v", err)
	}
	if gen.calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", gen.calls())
	}

	rejected := &fakeGen{errs: []error{&llm.StatusError{Code: 400, Body: "bad"}}, replies: []string{""}}
	c = New(rejected, nil, cfg(ModeBalanced), nil)
	if _, err := c.Classify(context.Background(), textFrag, filters); err == nil {
		t.Fatal("expected error")
	}
	if rejected.calls() != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", rejected.calls())
	}
}

func TestImageUsesVision(t *testing.T) {
	text := &fakeGen{replies: []string{`{"matches":[]}`}}
	vision := &fakeGen{replies: []string{`{"matches":[{"index":0,"confidence":0.9,"coordinates":[{"x":0.1,"y":-1,"width":2,"height":0.5},{"x":0,"y":0,"width":0,"height":1}]}]}`}}
	c := New(text, vision, cfg(ModeBalanced), nil)

	frag := moderation.Fragment{ID: "p1:image:0", Kind: moderation.KindImage, Field: moderation.FieldImage, Content: "https://img.example/cat.png"}
	res, err := c.Classify(context.Background(), frag, []moderation.Filter{{ID: "f1", Text: "cats", ContentType: "image", Intensity: 4}})
	if err != nil {
		t.Fatal(err)
	}
	if text.calls() != 0 || vision.calls() != 1 || vision.reqs[0].ImageURL != frag.Content {
		t.Fatalf("image fragment not routed to vision model")
	}
	if len(res[0].Regions) != 1 || res[0].Regions[0] != (moderation.Region{X: 0.1, Y: 0, Width: 1, Height: 0.5}) {
		t.Fatalf("unexpected regions %+v", res[0].Regions)
	}
}

func TestThresholdTable(t *testing.T) {
	cases := []struct {
		mode      string
		intensity int
		want      float64
	}{
		{ModeBalanced, 1, 0.8},
		{ModeBalanced, 5, 0.7},
		{ModeAggressive, 1, 0.7},
		{ModeAggressive, 5, 0.3},
		{"unknown", 3, 0.7},
		{ModeAggressive, 9, 0.3},
	}
	for _, tc := range cases {
		if got := Threshold(tc.mode, tc.intensity); got != tc.want {
			t.Fatalf("Threshold(%s,%d) = %v, want %v", tc.mode, tc.intensity, got, tc.want)
		}
	}
}
