package pipeline

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/diy-mod/core/internal/modules/moderation"
	"github.com/diy-mod/core/internal/modules/moderation/transformer"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"
)

var markdownEngine = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Strikethrough,
		extension.Linkify,
	),
	goldmark.WithRendererOptions(
		htmlrenderer.WithHardWraps(),
		htmlrenderer.WithXHTML(),
	),
)

// RenderMarkdown converts a markdown post body to HTML.
func RenderMarkdown(src string) string {
	text := strings.TrimSpace(src)
	if text == "" {
		return ""
	}
	var out bytes.Buffer
	if err := markdownEngine.Convert([]byte(text), &out); err != nil {
		return template.HTMLEscapeString(text)
	}
	return strings.TrimSpace(out.String())
}

// PostID returns the id a post is reported under.
func PostID(p PostRequest, index int) string {
	if id := strings.TrimSpace(p.ID); id != "" {
		return id
	}
	return fmt.Sprintf("post-%d", index)
}

// Split cuts the feed into fragments in post order: title, body, then each
// image. Empty text and blank image urls produce no fragment. Marker text
// already present in the content is removed.
func Split(req FeedRequest) []moderation.Fragment {
	out, _ := split(req)
	return out
}

// split also returns the index of the post each fragment came from.
func split(req FeedRequest) ([]moderation.Fragment, []int) {
	var (
		out   []moderation.Fragment
		owner []int
	)
	for i, p := range req.Posts {
		postID := PostID(p, i)
		pos := 0
		add := func(kind moderation.FragmentKind, field moderation.Field, n int, content string) {
			out = append(out, moderation.Fragment{
				ID:       fmt.Sprintf("%s:%s:%d", postID, field, n),
				PostID:   postID,
				UserID:   req.UserID,
				Kind:     kind,
				Field:    field,
				Content:  content,
				Position: pos,
			})
			owner = append(owner, i)
			pos++
		}

		if title := strings.TrimSpace(transformer.CleanMarkers(p.Title)); title != "" {
			add(moderation.KindText, moderation.FieldTitle, 0, title)
		}
		body := p.Content
		if strings.EqualFold(p.ContentFormat, FormatMarkdown) {
			body = RenderMarkdown(body)
		}
		if body = strings.TrimSpace(transformer.CleanMarkers(body)); body != "" {
			add(moderation.KindText, moderation.FieldBody, 0, body)
		}
		for n, img := range p.Images {
			if img = strings.TrimSpace(img); img != "" {
				add(moderation.KindImage, moderation.FieldImage, n, img)
			}
		}
	}
	return out, owner
}
