package models

import "time"

const (
	TransactionTypeSubscription = "subscription"
	TransactionTypeCredit       = "credit"
	TransactionTypeUsage        = "usage"
)

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusFailed    = "failed"
	TransactionStatusCancelled = "cancelled"
)

// Transaction is a commercial record. Amount is in currency minor units and
// always recomputed server side.
type Transaction struct {
	ID              string     `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          string     `gorm:"type:uuid;not null;index:idx_transactions_user_plan_status,priority:1" json:"user_id"`
	PlanID          string     `gorm:"type:varchar(64);not null;index:idx_transactions_user_plan_status,priority:2" json:"plan_id"`
	PlanName        string     `gorm:"type:varchar(150)" json:"plan_name"`
	Amount          int64      `gorm:"not null" json:"amount"`
	Currency        string     `gorm:"type:char(3);not null" json:"currency"`
	Type            string     `gorm:"type:varchar(16);not null" json:"type"`
	CreditsAdded    int        `gorm:"not null;default:0" json:"credits_added"`
	Status          string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_transactions_user_plan_status,priority:3" json:"status"`
	PaymentMethod   string     `gorm:"type:varchar(32)" json:"payment_method"`
	TransactionCode string     `gorm:"type:varchar(64);uniqueIndex" json:"transaction_code"`
	CustomerName    string     `gorm:"type:varchar(150)" json:"customer_name"`
	CustomerEmail   string     `gorm:"type:varchar(320)" json:"customer_email"`
	CustomerPhone   string     `gorm:"type:varchar(32)" json:"customer_phone"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt     *time.Time `gorm:"type:timestamptz;default:null" json:"completed_at,omitempty"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) IsPending() bool {
	return t.Status == TransactionStatusPending
}
