package models

import (
	"time"

	"gorm.io/gorm"
)

// User represents an end user of the chat service.
//
// The PRO fields are written by the billing webhook on subscription events and
// by the quota ledger's credit debit; nothing else mutates them.
type User struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Email    string `gorm:"uniqueIndex;size:255;not null" json:"email"`
	Password string `gorm:"size:255" json:"-"` // bcrypt hash
	Nickname string `gorm:"size:100" json:"nickname"`
	Role     string `gorm:"size:50;default:user" json:"role"` // admin, user
	IsActive bool   `gorm:"default:true" json:"is_active"`

	IsPro               bool       `gorm:"default:false" json:"is_pro"`
	ProPlanType         string     `gorm:"size:50" json:"pro_plan_type"` // starter, plus, ultra
	ProExpiresAt        *time.Time `json:"pro_expires_at"`
	ProCreditsRemaining float64    `gorm:"default:0" json:"pro_credits_remaining"`
	ProCreditsTotal     float64    `gorm:"default:0" json:"pro_credits_total"`

	// Free-tier counters. DailyTokensUsed is zeroed by the midnight reset
	// scheduler; DailyUsage rows are the per-date source of truth for checks.
	TokensBalance   int64 `gorm:"default:0" json:"tokens_balance"`
	DailyTokensUsed int64 `gorm:"default:0" json:"daily_tokens_used"`

	LastLogin *time.Time     `json:"last_login"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (User) TableName() string { return "users" }

// ProActive reports whether the user has a currently valid PRO subscription.
func (u *User) ProActive(now time.Time) bool {
	if !u.IsPro {
		return false
	}
	if u.ProExpiresAt == nil {
		return true
	}
	return u.ProExpiresAt.After(now)
}
