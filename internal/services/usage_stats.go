package services

import (
	"github.com/luminachat/backend/internal/models"
	"gorm.io/gorm"
)

// UsageStatsService aggregates historical usage for the stats endpoints. The
// live limit decisions come from the Ledger, not from here.
type UsageStatsService struct {
	db *gorm.DB
}

func NewUsageStatsService(db *gorm.DB) *UsageStatsService {
	return &UsageStatsService{db: db}
}

// DailyTrendEntry holds one day of a user's usage for charting.
type DailyTrendEntry struct {
	Date     string `json:"date"`
	Requests int    `json:"requests"`
	Tokens   int64  `json:"tokens"`
}

// GetDailyTrend returns the free-tier daily usage rows in a date range,
// oldest first. Dates are inclusive "2006-01-02" strings.
func (s *UsageStatsService) GetDailyTrend(userID uint, startDate, endDate string) ([]DailyTrendEntry, error) {
	query := s.db.Model(&models.DailyUsage{}).Where("user_id = ?", userID)
	if startDate != "" {
		query = query.Where("date >= ?", startDate)
	}
	if endDate != "" {
		query = query.Where("date <= ?", endDate)
	}

	var results []DailyTrendEntry
	err := query.Select("date, requests_count as requests, tokens_used as tokens").
		Order("date ASC").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}

	if results == nil {
		results = []DailyTrendEntry{}
	}
	return results, nil
}

// ModelUsage holds a user's usage grouped by model.
type ModelUsage struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	TotalTokens  int64   `json:"total_tokens"`
	CreditsSpent float64 `json:"credits_spent"`
}

// GetModelBreakdown returns the user's usage log grouped by model, most used
// first. Pool aliases appear under their alias id.
func (s *UsageStatsService) GetModelBreakdown(userID uint, startDate, endDate string) ([]ModelUsage, error) {
	query := s.db.Model(&models.ProUsageLog{}).Where("user_id = ?", userID)
	if startDate != "" {
		query = query.Where("created_at >= ?", startDate)
	}
	if endDate != "" {
		query = query.Where("created_at <= ?", endDate+" 23:59:59")
	}

	var results []ModelUsage
	err := query.Select(
		"model, " +
			"COUNT(*) as calls, " +
			"COALESCE(SUM(tokens_used), 0) as total_tokens, " +
			"COALESCE(SUM(credits_spent), 0) as credits_spent",
	).Group("model").Order("calls DESC").Scan(&results).Error
	if err != nil {
		return nil, err
	}

	if results == nil {
		results = []ModelUsage{}
	}
	return results, nil
}

// ProMonthSummary aggregates a PRO user's current-month consumption.
type ProMonthSummary struct {
	Messages     int64   `json:"messages"`
	Tokens       int64   `json:"tokens"`
	CreditsSpent float64 `json:"credits_spent"`
}

// GetProMonthSummary sums the PRO monitoring rows whose date falls in the
// given month ("2006-01" prefix).
func (s *UsageStatsService) GetProMonthSummary(userID uint, month string) (*ProMonthSummary, error) {
	var summary ProMonthSummary
	err := s.db.Model(&models.ProUsageMonitoring{}).
		Where("user_id = ? AND date LIKE ?", userID, month+"%").
		Select(
			"COALESCE(SUM(messages_count), 0) as messages, " +
				"COALESCE(SUM(tokens_used), 0) as tokens, " +
				"COALESCE(SUM(credits_spent), 0) as credits_spent",
		).Scan(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}
