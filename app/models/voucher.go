package models

import "time"

// Voucher is a gift code worth a fixed amount of credits.
type Voucher struct {
	Code           string     `gorm:"type:varchar(64);primaryKey" json:"code"`
	Credits        int        `gorm:"not null" json:"credits"`
	MaxRedemptions int        `gorm:"not null;default:1" json:"max_redemptions"`
	RedeemedCount  int        `gorm:"not null;default:0" json:"redeemed_count"`
	ExpiresAt      *time.Time `gorm:"type:timestamptz;default:null" json:"expires_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

func (Voucher) TableName() string {
	return "vouchers"
}
