package pipeline

import "github.com/diy-mod/core/internal/modules/moderation"

const (
	FormatHTML     = "html"
	FormatMarkdown = "markdown"
)

type PostRequest struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	ContentFormat string   `json:"content_format,omitempty"`
	Images        []string `json:"images"`
}

type FeedRequest struct {
	UserID string        `json:"user_id" binding:"required"`
	URL    string        `json:"url"`
	Posts  []PostRequest `json:"posts"`
}

type ImageResult struct {
	URL          string                        `json:"url"`
	Intervention *moderation.ImageIntervention `json:"intervention,omitempty"`
}

type PostResult struct {
	ID          string        `json:"id"`
	TitleHTML   string        `json:"title_html"`
	ContentHTML string        `json:"content_html"`
	Images      []ImageResult `json:"images"`
}

// Diagnostic records a fragment that was degraded or left unmodified.
type Diagnostic struct {
	FragmentID string `json:"fragment_id"`
	PostID     string `json:"post_id"`
	Stage      string `json:"stage"`
	Message    string `json:"message"`
}

func (d Diagnostic) String() string {
	return d.Stage + " " + d.FragmentID + ": " + d.Message
}

type AnnotatedFeed struct {
	Posts              []PostResult   `json:"posts"`
	InterventionCounts map[string]int `json:"intervention_counts"`
	ProcessingTimeMS   int64          `json:"processing_time_ms"`
	SessionID          string         `json:"session_id"`
	Diagnostics        []Diagnostic   `json:"diagnostics,omitempty"`
}

const (
	StageClassify  = "classify"
	StageRewrite   = "rewrite"
	StageTransform = "transform"
	StageDeadline  = "deadline"
	StagePanic     = "panic"
)
