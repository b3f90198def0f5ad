package models

import "time"

const (
	MediaTypeImage = "image"
	MediaTypeVideo = "video"
)

// HistoryItem is one completed generation kept for the user's gallery.
type HistoryItem struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID    string    `gorm:"type:uuid;not null;index:idx_generated_assets_user_created,priority:1" json:"user_id"`
	Tool      string    `gorm:"type:varchar(64);not null" json:"tool"`
	Prompt    string    `gorm:"type:text" json:"prompt"`
	MediaURL  string    `gorm:"type:text;not null" json:"media_url"`
	SourceURL string    `gorm:"type:text;default:null" json:"source_url,omitempty"`
	MediaType string    `gorm:"type:varchar(8);not null" json:"media_type"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_generated_assets_user_created,priority:2,sort:desc" json:"created_at"`
}

func (HistoryItem) TableName() string {
	return "generated_assets"
}
