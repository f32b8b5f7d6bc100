// Package planner turns classification results into a single intervention
// per fragment.
package planner

import (
	"github.com/diy-mod/core/internal/config"
	"github.com/diy-mod/core/internal/modules/moderation"
)

// Policy maps intensity to intervention type.
type Policy struct {
	BlurBelow      int
	OverlayAt      int
	ImageHighType  moderation.InterventionType
	DefaultWarning string
}

// DefaultPolicy is blur below 3, overlay at 3, rewrite or cartoonish above.
func DefaultPolicy() Policy {
	return Policy{
		BlurBelow:      3,
		OverlayAt:      3,
		ImageHighType:  moderation.InterventionCartoonish,
		DefaultWarning: "Warning: Filtered Content",
	}
}

// PolicyFromConfig fills unset fields from DefaultPolicy.
func PolicyFromConfig(cfg config.PolicyConfig) Policy {
	p := DefaultPolicy()
	if cfg.BlurBelow > 0 {
		p.BlurBelow = cfg.BlurBelow
	}
	if cfg.OverlayAt > 0 {
		p.OverlayAt = cfg.OverlayAt
	}
	if t, ok := moderation.ParseIntervention(cfg.ImageHighType); ok && t.IsImageEdit() {
		p.ImageHighType = t
	}
	if cfg.DefaultWarning != "" {
		p.DefaultWarning = cfg.DefaultWarning
	}
	return p
}

// Planner is pure: the same inputs always produce the same decision.
type Planner struct {
	policy Policy
}

func New(policy Policy) *Planner {
	return &Planner{policy: policy}
}

// Decide picks the winning match for frag: highest intensity first, then the
// most recently created filter. No match yields InterventionNone.
func (p *Planner) Decide(frag moderation.Fragment, results []moderation.ClassificationResult, filters []moderation.Filter) moderation.Decision {
	byID := make(map[string]moderation.Filter, len(filters))
	for _, f := range filters {
		byID[f.ID] = f
	}

	var (
		winner    moderation.Filter
		winRes    moderation.ClassificationResult
		found     bool
		matchIDs  []string
		matchText []string
	)
	for _, r := range results {
		if !r.Matched {
			continue
		}
		f, ok := byID[r.FilterID]
		if !ok || !f.AppliesTo(frag.Kind) {
			continue
		}
		matchIDs = append(matchIDs, f.ID)
		matchText = append(matchText, f.Text)
		if !found || outranks(f, winner) {
			winner, winRes, found = f, r, true
		}
	}
	if !found {
		return moderation.NoIntervention(frag.ID)
	}

	kind := p.interventionFor(frag.Kind, winner)
	d := moderation.Decision{
		FragmentID: frag.ID,
		Type:       kind,
		Payload: moderation.Payload{
			FilterIDs:   matchIDs,
			FilterTexts: matchText,
			Intensity:   winner.Intensity,
			Phrases:     winRes.Phrases,
			Spans:       winRes.Spans,
			Regions:     winRes.Regions,
		},
	}
	if kind == moderation.InterventionOverlay {
		d.Payload.Warning = winRes.Warning
		if d.Payload.Warning == "" {
			d.Payload.Warning = p.policy.DefaultWarning
		}
	}
	return d
}

func outranks(a, b moderation.Filter) bool {
	if a.Intensity != b.Intensity {
		return a.Intensity > b.Intensity
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (p *Planner) interventionFor(kind moderation.FragmentKind, f moderation.Filter) moderation.InterventionType {
	if f.Intervention != "" && f.Intervention.ValidFor(kind) {
		return f.Intervention
	}
	switch {
	case f.Intensity < p.policy.BlurBelow:
		return moderation.InterventionBlur
	case f.Intensity <= p.policy.OverlayAt:
		return moderation.InterventionOverlay
	case kind == moderation.KindImage:
		return p.policy.ImageHighType
	default:
		return moderation.InterventionRewrite
	}
}
