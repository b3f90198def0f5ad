package models

import "time"

// UsageLog is an append-only ledger row. Deductions are negative,
// refunds and top-ups positive. RefLogID links a refund to its deduction.
type UsageLog struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      string    `gorm:"type:uuid;not null;index" json:"user_id"`
	Amount      int       `gorm:"not null" json:"amount"`
	Description string    `gorm:"type:text" json:"description"`
	RefLogID    *string   `gorm:"type:uuid;default:null;index" json:"ref_log_id,omitempty"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (UsageLog) TableName() string {
	return "usage_logs"
}
