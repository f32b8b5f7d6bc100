package transformer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/diy-mod/core/internal/modules/delivery/broker"
	"github.com/diy-mod/core/internal/modules/moderation"
)

type fakeRewriter struct {
	out   string
	err   error
	calls int
}

func (f *fakeRewriter) Rewrite(_ context.Context, content string, topics []string) (string, error) {
	f.calls++
	return f.out, f.err
}

type fakeEnqueuer struct {
	job   *broker.Job
	err   error
	specs []broker.JobSpec
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, spec broker.JobSpec) (*broker.Job, error) {
	f.specs = append(f.specs, spec)
	return f.job, f.err
}

var title = moderation.Fragment{ID: "p1:title", PostID: "p1", UserID: "u1", Kind: moderation.KindText, Field: moderation.FieldTitle, Content: "I love Rust and Go"}

func decision(kind moderation.InterventionType) moderation.Decision {
	return moderation.Decision{FragmentID: title.ID, Type: kind, Payload: moderation.Payload{FilterTexts: []string{"Rust|Go"}, Intensity: 3}}
}

func TestTextInterventions(t *testing.T) {
	tr := New(&fakeRewriter{out: "I love programming languages"}, nil, nil)
	ctx := context.Background()

	blurSpans := decision(moderation.InterventionBlur)
	blurSpans.Payload.Spans = []moderation.Span{{Start: 7, End: 11}, {Start: 16, End: 18}}
	blurWhole := decision(moderation.InterventionBlur)
	overlay := decision(moderation.InterventionOverlay)
	overlay.Payload.Warning = "Heads up | friend"
	given := decision(moderation.InterventionRewrite)
	given.Payload.Replacement = "__BLUR_START__Cleaned__BLUR_END__"

	cases := []struct {
		name string
		d    moderation.Decision
		want string
	}{
		{"none", moderation.NoIntervention(title.ID), "I love Rust and Go"},
		{"blur spans", blurSpans, "I love __BLUR_START__Rust__BLUR_END__ and __BLUR_START__Go__BLUR_END__"},
		{"blur whole", blurWhole, "__BLUR_START__I love Rust and Go__BLUR_END__"},
		{"overlay", overlay, "__OVERLAY_START__Heads up  friend|I love Rust and Go__OVERLAY_END__"},
		{"rewrite via llm", decision(moderation.InterventionRewrite), "__REWRITE_START__I love programming languages__REWRITE_END__"},
		{"rewrite given", given, "__REWRITE_START__Cleaned__REWRITE_END__"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := tr.Apply(ctx, title, tc.d)
			if err != nil {
				t.Fatal(err)
			}
			if r.Text != tc.want {
				t.Fatalf("got  %q\nwant %q", r.Text, tc.want)
			}
		})
	}
}

func TestRawMarkersStripped(t *testing.T) {
	tr := New(nil, nil, nil)
	frag := title
	frag.Content = "__OVERLAY_END__sneaky __BLUR_START__text"
	d := decision(moderation.InterventionBlur)
	d.Payload.Spans = []moderation.Span{{Start: 0, End: 3}}

	r, _ := tr.Apply(context.Background(), frag, d)
	if r.Text != "__BLUR_START__sneaky text__BLUR_END__" {
		t.Fatalf("raw markers leaked: %q", r.Text)
	}
}

func TestRewriteFallback(t *testing.T) {
	for name, rw := range map[string]*fakeRewriter{
		"error": {err: errors.New("model down")},
		"empty": {out: "  __REWRITE_END__ "},
	} {
		t.Run(name, func(t *testing.T) {
			tr := New(rw, nil, nil)
			r, err := tr.Apply(context.Background(), title, decision(moderation.InterventionRewrite))
			if err != nil {
				t.Fatal(err)
			}
			want := "__OVERLAY_START__" + RewriteFallbackWarning + "|I love Rust and Go__OVERLAY_END__"
			if r.Text != want || !r.Downgraded || r.Type != moderation.InterventionOverlay {
				t.Fatalf("unexpected fallback %+v", r)
			}
		})
	}

	if d := Downgrade(decision(moderation.InterventionRewrite)); d.Type != moderation.InterventionOverlay || d.Payload.Warning != RewriteFallbackWarning {
		t.Fatalf("unexpected downgrade %+v", d)
	}
}

func TestImageInterventions(t *testing.T) {
	img := moderation.Fragment{ID: "p1:image:0", PostID: "p1", UserID: "u1", Kind: moderation.KindImage, Field: moderation.FieldImage, Content: "https://img.example/a.png"}
	ctx := context.Background()

	blur := moderation.Decision{Type: moderation.InterventionBlur, Payload: moderation.Payload{Regions: []moderation.Region{{X: 0.1, Y: 0.1, Width: 0.5, Height: 0.5}}}}
	r, _ := New(nil, nil, nil).Apply(ctx, img, blur)
	if r.Image == nil || r.Image.Status != moderation.ImageStatusCompleted || len(r.Image.Regions) != 1 || r.Text != img.Content {
		t.Fatalf("unexpected blur descriptor %+v", r.Image)
	}

	enq := &fakeEnqueuer{job: &broker.Job{ID: "job-1", Status: broker.StatusQueued}}
	cartoon := moderation.Decision{Type: moderation.InterventionCartoonish, Payload: moderation.Payload{FilterTexts: []string{"cats", " cats"}}}
	r, _ = New(nil, enq, nil).Apply(ctx, img, cartoon)
	if r.Image == nil || r.Image.Status != moderation.ImageStatusProcessing || r.Image.JobID != "job-1" {
		t.Fatalf("unexpected deferred descriptor %+v", r.Image)
	}
	if len(enq.specs) != 1 || enq.specs[0].UserID != "u1" || enq.specs[0].ImageURL != img.Content || len(enq.specs[0].Filters) != 1 {
		t.Fatalf("unexpected job spec %+v", enq.specs)
	}

	enq.job = &broker.Job{ID: "job-1", Status: broker.StatusReady, Result: "https://cdn/x.png"}
	r, _ = New(nil, enq, nil).Apply(ctx, img, cartoon)
	if r.Image.Status != moderation.ImageStatusCompleted || r.Image.Result != "https://cdn/x.png" {
		t.Fatalf("ready job not inlined %+v", r.Image)
	}

	full := &fakeEnqueuer{err: broker.ErrQueueFull}
	r, _ = New(nil, full, nil).Apply(ctx, img, cartoon)
	if r.Image.Status != moderation.ImageStatusFailed || !r.Downgraded || !strings.Contains(r.Note, "queue") {
		t.Fatalf("enqueue failure not reported %+v", r)
	}
}

func TestBlurLocatesPhrasesInOwnText(t *testing.T) {
	tr := New(nil, nil, nil)
	d := decision(moderation.InterventionBlur)
	// offsets from a differently spaced copy of the text
	d.Payload.Spans = []moderation.Span{{Start: 7, End: 11}}
	d.Payload.Phrases = []string{"rust"}

	frag := title
	frag.Content = "I  love   Rust and Go"
	r, _ := tr.Apply(context.Background(), frag, d)
	if r.Text != "I  love   __BLUR_START__Rust__BLUR_END__ and Go" {
		t.Fatalf("got %q", r.Text)
	}
}

func TestBlurNeverSplitsRunes(t *testing.T) {
	tr := New(nil, nil, nil)
	d := decision(moderation.InterventionBlur)
	d.Payload.Spans = []moderation.Span{{Start: 2, End: 4}}

	frag := title
	frag.Content = "héllo"
	r, _ := tr.Apply(context.Background(), frag, d)
	if r.Text != "__BLUR_START__héllo__BLUR_END__" {
		t.Fatalf("got %q", r.Text)
	}
}
