package models

import "time"

// ToolUsageDaily aggregates generation counts per tool and day.
type ToolUsageDaily struct {
	Day    time.Time `gorm:"type:date;primaryKey" json:"day"`
	ToolID string    `gorm:"type:varchar(64);primaryKey" json:"tool_id"`
	Count  int64     `gorm:"not null;default:0" json:"count"`
}

func (ToolUsageDaily) TableName() string {
	return "tool_usage_daily"
}
