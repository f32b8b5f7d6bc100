package classifier

import (
	"fmt"
	"strings"

	"github.com/diy-mod/core/internal/modules/moderation"
)

const systemPrompt = `You are a content moderation assistant. You receive a piece of social media content and a numbered list of criteria a user does not want to see.
Decide which criteria the content matches. Judge by meaning and context, not only literal words. Do not be naive, but do not be overly aggressive either.

Reply with a JSON object of exactly this shape:
{
  "matches": [
    {
      "index": <criterion number>,
      "confidence": <0.0 to 1.0>,
      "spans": [<exact phrases copied from the content that match>],
      "warning": <neutral warning under 100 characters that does not name the criterion>,
      "coordinates": [{"x": <0..1>, "y": <0..1>, "width": <0..1>, "height": <0..1>}]
    }
  ]
}
Only list criteria that match. Use "spans" for text content and "coordinates" for images. Return {"matches": []} when nothing matches.`

const strictSuffix = `

Your previous reply could not be parsed. Respond with the JSON object only. No prose, no markdown, no code fences.`

type criterion struct {
	Text      string
	Intensity int
	Members   []int
}

func buildUserPrompt(frag moderation.Fragment, criteria []criterion) string {
	var b strings.Builder
	b.WriteString("Criteria:\n")
	for i, c := range criteria {
		fmt.Fprintf(&b, "%d. %s\n", i, c.Text)
	}
	b.WriteString("\n")
	switch frag.Kind {
	case moderation.KindImage:
		b.WriteString("Content: the attached image. Report matching regions in \"coordinates\".")
	default:
		fmt.Fprintf(&b, "Content [%s]:\n%s", strings.ToUpper(string(frag.Field)), frag.Content)
	}
	return b.String()
}
