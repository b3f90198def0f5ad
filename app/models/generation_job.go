package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// GenerationJob tracks one metered generation request. It is created only
// after the credit deduction succeeded, so UsageLogID is always set.
type GenerationJob struct {
	ID           string         `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string         `gorm:"type:uuid;not null;index:idx_generation_jobs_user_created,priority:1" json:"user_id"`
	ToolID       string         `gorm:"type:varchar(64);not null;index" json:"tool_id"`
	Prompt       string         `gorm:"type:text" json:"prompt"`
	Cost         int            `gorm:"not null" json:"cost"`
	UsageLogID   string         `gorm:"type:uuid;not null" json:"usage_log_id"`
	Status       string         `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	ResultURL    string         `gorm:"type:text;default:null" json:"result_url,omitempty"`
	ErrorMessage string         `gorm:"type:text;default:null" json:"error_message,omitempty"`
	Params       datatypes.JSON `gorm:"type:jsonb;default:null" json:"params,omitempty"`
	CreatedAt    time.Time      `gorm:"autoCreateTime;index:idx_generation_jobs_user_created,priority:2" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt  *time.Time     `gorm:"type:timestamptz;default:null" json:"completed_at,omitempty"`
}

func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// IsTerminalJobStatus reports whether no further transition is allowed.
func IsTerminalJobStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// CanTransitionJob encodes pending -> processing -> completed|failed.
// A pending job may fail directly (dispatch never happened) or complete
// when the work finished before the processing update was applied.
func CanTransitionJob(from, to string) bool {
	if from == to {
		return false
	}
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing || to == JobStatusCompleted || to == JobStatusFailed
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}
