package moderation

import (
	"reflect"
	"testing"
)

func TestFilterAppliesTo(t *testing.T) {
	cases := []struct {
		contentType string
		kind        FragmentKind
		want        bool
	}{
		{"all", KindText, true},
		{"", KindImage, true},
		{"text", KindText, true},
		{"text", KindImage, false},
		{"image", KindImage, true},
	}
	for _, tc := range cases {
		if got := (Filter{ContentType: tc.contentType}).AppliesTo(tc.kind); got != tc.want {
			t.Fatalf("%q on %s: got %v", tc.contentType, tc.kind, got)
		}
	}
}

func TestFilterTextsNormalized(t *testing.T) {
	got := FilterTexts([]Filter{{Text: " violence "}, {Text: "spiders"}, {Text: "violence"}, {Text: ""}})
	if want := []string{"spiders", "violence"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v", got)
	}
}

func TestInterventionValidity(t *testing.T) {
	if InterventionRewrite.ValidFor(KindImage) {
		t.Fatal("rewrite is text only")
	}
	if InterventionCartoonish.ValidFor(KindText) {
		t.Fatal("cartoonish is image only")
	}
	if !InterventionCartoonish.IsImageEdit() || InterventionBlur.IsImageEdit() {
		t.Fatal("unexpected image edit classification")
	}
	if v, ok := ParseIntervention("Warning"); !ok || v != InterventionOverlay {
		t.Fatalf("alias parse: %v %v", v, ok)
	}
	if _, ok := ParseIntervention("explode"); ok {
		t.Fatal("unknown intervention accepted")
	}
}

func TestLocateSpans(t *testing.T) {
	got := LocateSpans("Go, go and GOLANG", CleanPhrases([]string{" go ", "Go", "golang", ""}))
	want := []Span{{Start: 0, End: 2}, {Start: 4, End: 6}, {Start: 11, End: 17}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v", got)
	}
	if LocateSpans("nothing here", []string{"rust"}) != nil {
		t.Fatal("expected no spans")
	}
}
