package imageedit

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/diy-mod/core/internal/modules/delivery/broker"
	"github.com/diy-mod/core/internal/modules/moderation"
)

// minimal PNG signature followed by padding is enough for content sniffing
var pngBytes = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

type fakeEditor struct {
	prompt string
	input  []byte
	err    error
}

func (f *fakeEditor) EditImage(_ context.Context, image []byte, prompt string) ([]byte, error) {
	f.prompt, f.input = prompt, image
	if f.err != nil {
		return nil, f.err
	}
	return []byte("edited"), nil
}

type fakeStore struct {
	key  string
	data []byte
}

func (f *fakeStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	f.key, f.data = key, data
	return "https://cdn.example/" + key, nil
}

func imageServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute(t *testing.T) {
	srv := imageServer(t, pngBytes)
	editor := &fakeEditor{}
	store := &fakeStore{}
	exec := New(editor, store, Options{IncludeBase64: true})

	job := &broker.Job{
		ID:           "job-1",
		ImageURL:     srv.URL + "/cat.png",
		Filters:      []string{"spiders"},
		Intervention: moderation.InterventionCartoonish,
	}
	out, err := exec.Execute(context.Background(), job)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result != "https://cdn.example/jobs/job-1/cartoonish.png" {
		t.Fatalf("unexpected result %q", out.Result)
	}
	if !strings.HasPrefix(out.Base64, "data:image/png;base64,") {
		t.Fatalf("missing base64 payload: %q", out.Base64)
	}
	if !bytes.Equal(editor.input, pngBytes) || string(store.data) != "edited" {
		t.Fatal("image bytes were not passed through")
	}
	if !strings.Contains(editor.prompt, "spiders") || !strings.Contains(editor.prompt, "cartoon") {
		t.Fatalf("unexpected prompt %q", editor.prompt)
	}
}

func TestExecuteFailures(t *testing.T) {
	srv := imageServer(t, pngBytes)
	html := imageServer(t, []byte("<html><body>nope</body></html>"))

	cases := []struct {
		name   string
		url    string
		editor *fakeEditor
		max    int64
		want   error
	}{
		{name: "not found", url: srv.URL + "/missing.png", editor: &fakeEditor{}},
		{name: "too large", url: srv.URL + "/cat.png", editor: &fakeEditor{}, max: 8, want: ErrImageTooLarge},
		{name: "not an image", url: html.URL + "/page", editor: &fakeEditor{}},
		{name: "model error", url: srv.URL + "/cat.png", editor: &fakeEditor{err: errors.New("refused")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec := New(tc.editor, &fakeStore{}, Options{MaxBytes: tc.max})
			_, err := exec.Execute(context.Background(), &broker.Job{
				ID:           "j",
				ImageURL:     tc.url,
				Intervention: moderation.InterventionEditToReplace,
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestPrompt(t *testing.T) {
	if p := Prompt(moderation.InterventionEditToReplace, nil); !strings.Contains(p, "replace") || !strings.Contains(p, "distressing content") {
		t.Fatalf("unexpected prompt %q", p)
	}
}
