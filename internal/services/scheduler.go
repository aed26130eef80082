package services

import (
	"time"

	"github.com/luminachat/backend/internal/config"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// Scheduler runs housekeeping jobs: the midnight reset of per-user daily
// counters and retention cleanup of usage logs. Quota rows themselves are
// keyed by date and never need resetting.
type Scheduler struct {
	db    *gorm.DB
	quota *config.QuotaConfig
	cron  *cron.Cron
}

func NewScheduler(db *gorm.DB, quota *config.QuotaConfig) *Scheduler {
	return &Scheduler{
		db:    db,
		quota: quota,
		cron:  cron.New(),
	}
}

// Start registers the jobs and begins the schedule.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc("0 0 * * *", s.resetDailyCounters); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("30 3 * * *", s.cleanupUsageLogs); err != nil {
		return err
	}
	s.cron.Start()
	logger.Infof("[Scheduler] Started: daily reset at 00:00, log cleanup at 03:30")
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
		logger.Infof("[Scheduler] Stopped")
	}
}

// resetDailyCounters zeroes the mirror counter on the user row. The
// authoritative per-day rows are untouched.
func (s *Scheduler) resetDailyCounters() {
	res := s.db.Model(&models.User{}).
		Where("daily_tokens_used > 0").
		Update("daily_tokens_used", 0)
	if res.Error != nil {
		logger.Errorf("[Scheduler] Daily counter reset failed: %v", res.Error)
		return
	}
	logger.Infof("[Scheduler] Daily counters reset for %d users", res.RowsAffected)
}

// cleanupUsageLogs deletes append-only usage log rows past the retention
// window. Aggregate rows are kept indefinitely.
func (s *Scheduler) cleanupUsageLogs() {
	days := s.quota.LogRetentionDays
	if days <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	res := s.db.Where("created_at < ?", cutoff).Delete(&models.ProUsageLog{})
	if res.Error != nil {
		logger.Errorf("[Scheduler] Usage log cleanup failed: %v", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		logger.Infof("[Scheduler] Deleted %d usage log rows older than %d days", res.RowsAffected, days)
	}
}
