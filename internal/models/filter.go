package models

import (
	"time"

	"gorm.io/gorm"
)

// FilterContentType restricts which fragment kinds a filter applies to.
type FilterContentType string

const (
	FilterContentText  FilterContentType = "text"
	FilterContentImage FilterContentType = "image"
	FilterContentAll   FilterContentType = "all"
)

// FilterDuration is the lifetime requested when a filter is created.
type FilterDuration string

const (
	DurationDay       FilterDuration = "day"
	DurationWeek      FilterDuration = "week"
	DurationMonth     FilterDuration = "month"
	DurationPermanent FilterDuration = "permanent"
)

// ExpiresAt returns the expiry for a duration starting at from, nil when permanent.
func (d FilterDuration) ExpiresAt(from time.Time) *time.Time {
	var t time.Time
	switch d {
	case DurationDay:
		t = from.AddDate(0, 0, 1)
	case DurationWeek:
		t = from.AddDate(0, 0, 7)
	case DurationMonth:
		t = from.AddDate(0, 1, 0)
	default:
		return nil
	}
	return &t
}

// Valid reports whether d is a known duration. Empty means permanent.
func (d FilterDuration) Valid() bool {
	switch d {
	case "", DurationDay, DurationWeek, DurationMonth, DurationPermanent:
		return true
	}
	return false
}

// FilterModel is a user-defined moderation rule.
type FilterModel struct {
	Base
	UserID       string            `json:"user_id"       gorm:"type:varchar(128);not null;index:idx_filters_user_active,priority:1"`
	FilterText   string            `json:"filter_text"   gorm:"type:text;not null"`
	ContentType  FilterContentType `json:"content_type"  gorm:"type:varchar(16);not null;default:all"`
	Intensity    int               `json:"intensity"     gorm:"not null;default:3"`
	Intervention string            `json:"intervention,omitempty" gorm:"type:varchar(32)"`
	IsActive     bool              `json:"is_active"     gorm:"not null;default:true;index:idx_filters_user_active,priority:2"`
	IsTemporary  bool              `json:"is_temporary"  gorm:"not null;default:false"`
	Version      int               `json:"version"       gorm:"not null;default:1"`
	ExpiresAt    *time.Time        `json:"expires_at"    gorm:"index"`
	Metadata     map[string]string `json:"metadata,omitempty" gorm:"type:text;serializer:json"`
}

func (FilterModel) TableName() string { return "filters" }

// ActiveAt reports whether the filter is in effect at now.
func (f *FilterModel) ActiveAt(now time.Time) bool {
	if !f.IsActive {
		return false
	}
	return f.ExpiresAt == nil || f.ExpiresAt.After(now)
}

func (f *FilterModel) BeforeCreate(tx *gorm.DB) error {
	if err := f.Base.BeforeCreate(tx); err != nil {
		return err
	}
	if f.Version == 0 {
		f.Version = 1
	}
	return nil
}
