package filter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diy-mod/core/internal/models"
	"github.com/diy-mod/core/internal/modules/moderation"
	"github.com/diy-mod/core/internal/pkg/pagination"
	"github.com/diy-mod/core/internal/pkg/response"
)

// ErrInvalid wraps validation failures of filter input.
var ErrInvalid = errors.New("invalid filter")

type CreateFilterDTO struct {
	UserID       string            `json:"user_id"      binding:"required"`
	FilterText   string            `json:"filter_text"  binding:"required"`
	ContentType  string            `json:"content_type"`
	Intensity    int               `json:"intensity"`
	Intervention string            `json:"intervention"`
	Duration     string            `json:"duration"`
	IsActive     *bool             `json:"is_active"`
	Metadata     map[string]string `json:"metadata"`
}

type UpdateFilterDTO struct {
	FilterText   *string           `json:"filter_text"`
	ContentType  *string           `json:"content_type"`
	Intensity    *int              `json:"intensity"`
	Intervention *string           `json:"intervention"`
	Duration     *string           `json:"duration"`
	IsActive     *bool             `json:"is_active"`
	Metadata     map[string]string `json:"metadata"`
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

func (s *Service) List(ctx context.Context, userID string, q pagination.Query) ([]models.FilterModel, response.Pagination, error) {
	return s.store.List(ctx, userID, q)
}

func (s *Service) Get(ctx context.Context, id string) (*models.FilterModel, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, dto *CreateFilterDTO) (*models.FilterModel, error) {
	text := strings.TrimSpace(dto.FilterText)
	if text == "" {
		return nil, fmt.Errorf("%w: filter_text is empty", ErrInvalid)
	}
	contentType, err := parseContentType(dto.ContentType)
	if err != nil {
		return nil, err
	}
	intensity := dto.Intensity
	if intensity == 0 {
		intensity = 3
	}
	if err := checkIntensity(intensity); err != nil {
		return nil, err
	}
	intervention, err := parseIntervention(dto.Intervention, contentType)
	if err != nil {
		return nil, err
	}
	duration := models.FilterDuration(strings.ToLower(strings.TrimSpace(dto.Duration)))
	if !duration.Valid() {
		return nil, fmt.Errorf("%w: unknown duration %q", ErrInvalid, dto.Duration)
	}

	now := s.now()
	expiresAt := duration.ExpiresAt(now)
	item := &models.FilterModel{
		UserID:       strings.TrimSpace(dto.UserID),
		FilterText:   text,
		ContentType:  contentType,
		Intensity:    intensity,
		Intervention: string(intervention),
		IsActive:     true,
		IsTemporary:  expiresAt != nil,
		Version:      1,
		ExpiresAt:    expiresAt,
		Metadata:     dto.Metadata,
	}
	if dto.IsActive != nil {
		item.IsActive = *dto.IsActive
	}
	if err := s.store.Create(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// Update applies dto and bumps the filter version so cached decisions made
// under the old definition stop matching.
func (s *Service) Update(ctx context.Context, id string, dto *UpdateFilterDTO) (*models.FilterModel, error) {
	item, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := item.Version

	if dto.FilterText != nil {
		text := strings.TrimSpace(*dto.FilterText)
		if text == "" {
			return nil, fmt.Errorf("%w: filter_text is empty", ErrInvalid)
		}
		item.FilterText = text
	}
	if dto.ContentType != nil {
		ct, err := parseContentType(*dto.ContentType)
		if err != nil {
			return nil, err
		}
		item.ContentType = ct
	}
	if dto.Intensity != nil {
		if err := checkIntensity(*dto.Intensity); err != nil {
			return nil, err
		}
		item.Intensity = *dto.Intensity
	}
	if dto.Intervention != nil {
		iv, err := parseIntervention(*dto.Intervention, item.ContentType)
		if err != nil {
			return nil, err
		}
		item.Intervention = string(iv)
	} else if item.Intervention != "" {
		if _, err := parseIntervention(item.Intervention, item.ContentType); err != nil {
			return nil, err
		}
	}
	if dto.Duration != nil {
		d := models.FilterDuration(strings.ToLower(strings.TrimSpace(*dto.Duration)))
		if !d.Valid() {
			return nil, fmt.Errorf("%w: unknown duration %q", ErrInvalid, *dto.Duration)
		}
		item.ExpiresAt = d.ExpiresAt(s.now())
		item.IsTemporary = item.ExpiresAt != nil
	}
	if dto.IsActive != nil {
		item.IsActive = *dto.IsActive
	}
	if dto.Metadata != nil {
		item.Metadata = dto.Metadata
	}

	item.Version = prev + 1
	item.UpdatedAt = s.now()
	if err := s.store.Update(ctx, item, prev); err != nil {
		return nil, err
	}
	return item, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// ActiveFilters returns snapshots of the user's filters in effect right now.
func (s *Service) ActiveFilters(ctx context.Context, userID string) ([]moderation.Filter, error) {
	rows, err := s.store.Active(ctx, userID, s.now())
	if err != nil {
		return nil, fmt.Errorf("load active filters: %w", err)
	}
	out := make([]moderation.Filter, 0, len(rows))
	for _, r := range rows {
		out = append(out, Snapshot(&r))
	}
	return out, nil
}

// Snapshot converts a stored filter into the pipeline's immutable view.
func Snapshot(f *models.FilterModel) moderation.Filter {
	iv, _ := moderation.ParseIntervention(f.Intervention)
	return moderation.Filter{
		ID:           f.ID,
		Text:         f.FilterText,
		ContentType:  string(f.ContentType),
		Intensity:    f.Intensity,
		Intervention: iv,
		Version:      f.Version,
		CreatedAt:    f.CreatedAt,
	}
}

func parseContentType(raw string) (models.FilterContentType, error) {
	switch models.FilterContentType(strings.ToLower(strings.TrimSpace(raw))) {
	case "", models.FilterContentAll:
		return models.FilterContentAll, nil
	case models.FilterContentText:
		return models.FilterContentText, nil
	case models.FilterContentImage:
		return models.FilterContentImage, nil
	}
	return "", fmt.Errorf("%w: unknown content_type %q", ErrInvalid, raw)
}

func checkIntensity(v int) error {
	if v < 1 || v > 5 {
		return fmt.Errorf("%w: intensity must be between 1 and 5", ErrInvalid)
	}
	return nil
}

func parseIntervention(raw string, ct models.FilterContentType) (moderation.InterventionType, error) {
	iv, ok := moderation.ParseIntervention(raw)
	if !ok {
		return "", fmt.Errorf("%w: unknown intervention %q", ErrInvalid, raw)
	}
	if iv == "" {
		return "", nil
	}
	switch ct {
	case models.FilterContentText:
		if !iv.ValidFor(moderation.KindText) {
			return "", fmt.Errorf("%w: %s cannot apply to text", ErrInvalid, iv)
		}
	case models.FilterContentImage:
		if !iv.ValidFor(moderation.KindImage) {
			return "", fmt.Errorf("%w: %s cannot apply to images", ErrInvalid, iv)
		}
	}
	return iv, nil
}
