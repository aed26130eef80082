package models

import "time"

// DailyUsage is the free-tier per-user per-day counter row. Exactly one row
// exists per (user_id, date); it is created lazily by an upsert on the first
// generation of the day. Date is stored as "2006-01-02" to keep the unique
// key portable across sqlite, mysql and postgres.
type DailyUsage struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        uint      `gorm:"uniqueIndex:idx_daily_usage_user_date;not null" json:"user_id"`
	Date          string    `gorm:"uniqueIndex:idx_daily_usage_user_date;size:10;not null" json:"date"`
	RequestsCount int       `gorm:"default:0" json:"requests_count"`
	TokensUsed    int64     `gorm:"default:0" json:"tokens_used"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (DailyUsage) TableName() string { return "daily_usages" }

// ProUsageMonitoring aggregates PRO-specific consumption per user per day.
// PRO limits are checked against this row, not DailyUsage: the two quota
// dimensions are independent.
type ProUsageMonitoring struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        uint      `gorm:"uniqueIndex:idx_pro_usage_user_date;not null" json:"user_id"`
	Date          string    `gorm:"uniqueIndex:idx_pro_usage_user_date;size:10;not null" json:"date"`
	MessagesCount int       `gorm:"default:0" json:"messages_count"`
	TokensUsed    int64     `gorm:"default:0" json:"tokens_used"`
	CreditsSpent  float64   `gorm:"default:0" json:"credits_spent"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (ProUsageMonitoring) TableName() string { return "pro_usage_monitoring" }

// ProUsageLog is the append-only audit trail: one row per completed
// generation. Never mutated after insert.
type ProUsageLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	UserID        uint      `gorm:"index;not null" json:"user_id"`
	ChatID        string    `gorm:"index;size:36" json:"chat_id"`
	Model         string    `gorm:"size:100" json:"model"`
	TokensUsed    int       `json:"tokens_used"`
	CreditsSpent  float64   `json:"credits_spent"`
	MessageLength int       `json:"message_length"`
	CreatedAt     time.Time `gorm:"index" json:"created_at"`
}

func (ProUsageLog) TableName() string { return "pro_usage_logs" }

// UsageDate formats a time as the canonical per-day key.
func UsageDate(t time.Time) string {
	return t.Format("2006-01-02")
}
