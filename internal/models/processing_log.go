package models

// ProcessingLogModel records one feed-processing request.
type ProcessingLogModel struct {
	Base
	UserID           string         `json:"user_id"            gorm:"type:varchar(128);not null;index"`
	SessionID        string         `json:"session_id"         gorm:"type:char(36);uniqueIndex"`
	URL              string         `json:"url"                gorm:"type:text"`
	PostCount        int            `json:"post_count"`
	FragmentCount    int            `json:"fragment_count"`
	Counts           map[string]int `json:"counts"             gorm:"type:text;serializer:json"`
	Diagnostics      []string       `json:"diagnostics"        gorm:"type:longtext;serializer:json"`
	ProcessingTimeMS int64          `json:"processing_time_ms"`
}

func (ProcessingLogModel) TableName() string { return "processing_logs" }
