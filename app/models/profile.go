package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// StarterCredits are granted once when a profile is provisioned on first login.
const StarterCredits = 60

// Profile is the per-user balance row. ID equals the auth user id.
type Profile struct {
	ID              string     `gorm:"type:uuid;primaryKey" json:"id" validate:"required,uuid"`
	Email           string     `gorm:"type:varchar(320);index" json:"email" validate:"omitempty,email,max=320"`
	Credits         int        `gorm:"not null;default:0" json:"credits" validate:"gte=0"`
	SubscriptionEnd *time.Time `gorm:"type:timestamptz;default:null" json:"subscription_end"`
	Country         string     `gorm:"type:char(2);default:null" json:"country" validate:"omitempty,len=2"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Profile) TableName() string {
	return "profiles"
}

func (p *Profile) Validate() error {
	return validator.New().Struct(p)
}

// IsExpired reports whether a subscription end is set and lies before now.
func (p *Profile) IsExpired(now time.Time) bool {
	return p.SubscriptionEnd != nil && p.SubscriptionEnd.Before(now)
}
