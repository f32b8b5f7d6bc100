// Package imageedit runs deferred image interventions: it fetches the
// source image, asks the image model for an edited version and stores the
// result.
package imageedit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diy-mod/core/internal/modules/delivery/broker"
	"github.com/diy-mod/core/internal/modules/moderation"
	"github.com/diy-mod/core/internal/pkg/imagestore"
	"github.com/diy-mod/core/internal/pkg/llm"
	"go.uber.org/zap"
)

const defaultMaxBytes = 10 << 20

var ErrImageTooLarge = errors.New("source image exceeds size limit")

type Options struct {
	HTTPClient    *http.Client
	MaxBytes      int64
	IncludeBase64 bool
	Logger        *zap.Logger
}

// Executor implements broker.Executor.
type Executor struct {
	editor        llm.ImageEditor
	store         imagestore.Store
	http          *http.Client
	maxBytes      int64
	includeBase64 bool
	logger        *zap.Logger
}

func New(editor llm.ImageEditor, store imagestore.Store, opts Options) *Executor {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Executor{
		editor:        editor,
		store:         store,
		http:          opts.HTTPClient,
		maxBytes:      opts.MaxBytes,
		includeBase64: opts.IncludeBase64,
		logger:        opts.Logger,
	}
}

func (e *Executor) Execute(ctx context.Context, job *broker.Job) (broker.Outcome, error) {
	if e.editor == nil {
		return broker.Outcome{}, errors.New("no image model configured")
	}
	src, err := e.fetch(ctx, job.ImageURL)
	if err != nil {
		return broker.Outcome{}, fmt.Errorf("fetch source image: %w", err)
	}

	edited, err := e.editor.EditImage(ctx, src, Prompt(job.Intervention, job.Filters))
	if err != nil {
		return broker.Outcome{}, fmt.Errorf("edit image: %w", err)
	}
	if len(edited) == 0 {
		return broker.Outcome{}, errors.New("image model returned no data")
	}

	key := imagestore.ObjectKey(job.ID, string(job.Intervention))
	url, err := e.store.Put(ctx, key, edited, "image/png")
	if err != nil {
		return broker.Outcome{}, fmt.Errorf("store result: %w", err)
	}
	e.logger.Debug("image edited",
		zap.String("job_id", job.ID),
		zap.String("key", key),
		zap.Int("bytes", len(edited)))

	out := broker.Outcome{Result: url}
	if e.includeBase64 {
		out.Base64 = "data:image/png;base64," + base64.StdEncoding.EncodeToString(edited)
	}
	return out, nil
}

func (e *Executor) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength > e.maxBytes {
		return nil, ErrImageTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > e.maxBytes {
		return nil, ErrImageTooLarge
	}
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("source is %s, not an image", ct)
	}
	return data, nil
}

// Prompt builds the edit instruction for an intervention over filters.
func Prompt(t moderation.InterventionType, filters []string) string {
	subject := "the distressing content"
	if len(filters) > 0 {
		subject = strings.Join(filters, ", ")
	}
	switch t {
	case moderation.InterventionEditToReplace:
		return "You are an expert photo editor. Visually replace any depiction of " + subject +
			" with a simple, benign object such as a cartoon star, a friendly cloud or a small potted plant. " +
			"Do not pick anything thematically similar to what is being replaced. " +
			"Preserve the background, lighting and composition, substituting only the specified objects."
	default:
		return "Redraw this image in a soft, flat cartoon style so that depictions of " + subject +
			" become abstract and non-threatening. Keep the overall scene recognisable " +
			"but remove realistic detail from the specified objects."
	}
}
