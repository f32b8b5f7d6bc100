// Package broker tracks deferred image jobs and notifies subscribers when
// they finish.
package broker

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/diy-mod/core/internal/modules/moderation"
	"golang.org/x/crypto/blake2b"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusReady || s == StatusFailed }

var (
	ErrQueueFull       = errors.New("image job queue is full")
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyTerminal = errors.New("job already finished")
	ErrInvalidJob      = errors.New("invalid job")
	ErrStalled         = errors.New("job stalled without progress")
)

// JobSpec describes an image edit to run.
type JobSpec struct {
	UserID       string
	ImageURL     string
	Filters      []string
	Intervention moderation.InterventionType
	Regions      []moderation.Region
}

// Job is the stored record of one image edit.
type Job struct {
	ID                 string                      `json:"job_id"`
	UserID             string                      `json:"user_id"`
	ImageURL           string                      `json:"image_url"`
	ImageFingerprint   string                      `json:"image_fingerprint"`
	FiltersFingerprint string                      `json:"filters_fingerprint"`
	Filters            []string                    `json:"filters"`
	Intervention       moderation.InterventionType `json:"intervention"`
	Regions            []moderation.Region         `json:"regions,omitempty"`
	Status             Status                      `json:"status"`
	Result             string                      `json:"result,omitempty"`
	Base64             string                      `json:"base64_url,omitempty"`
	Error              string                      `json:"error,omitempty"`
	CreatedAt          time.Time                   `json:"created_at"`
	UpdatedAt          time.Time                   `json:"updated_at"`
}

func (j *Job) clone() *Job {
	c := *j
	c.Filters = append([]string(nil), j.Filters...)
	c.Regions = append([]moderation.Region(nil), j.Regions...)
	return &c
}

// stalled reports whether job is unfinished and saw no progress since cutoff.
func (j *Job) stalled(cutoff time.Time) bool {
	return !j.Status.Terminal() && j.UpdatedAt.Before(cutoff)
}

// DedupKey identifies jobs that would produce the same output.
func (j *Job) DedupKey() string {
	return j.LookupKey() + ":" + string(j.Intervention)
}

// LookupKey identifies the jobs of one image under one filter set.
func (j *Job) LookupKey() string {
	return j.ImageFingerprint + ":" + j.FiltersFingerprint
}

// Outcome is what an executor produced for a job.
type Outcome struct {
	Result string
	Base64 string
}

// ImageFingerprint hashes an image URL.
func ImageFingerprint(imageURL string) string {
	return digest(strings.TrimSpace(imageURL))
}

// FiltersFingerprint hashes a filter text set independent of order.
func FiltersFingerprint(filters []string) string {
	return digest(strings.Join(moderation.NormalizeFilterTexts(filters), "\x1f"))
}

// LookupKey is the key Lookup resolves for imageURL under filters.
func LookupKey(imageURL string, filters []string) string {
	return ImageFingerprint(imageURL) + ":" + FiltersFingerprint(filters)
}

func digest(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
