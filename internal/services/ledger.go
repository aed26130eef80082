package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luminachat/backend/internal/catalog"
	"github.com/luminachat/backend/internal/config"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/pkg/logger"
	"github.com/luminachat/backend/pkg/response"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Ledger tracks daily request/token counters and PRO credit balances and
// answers "is this call allowed" / "record this usage".
type Ledger struct {
	db    *gorm.DB
	cat   *catalog.Catalog
	quota *config.QuotaConfig
}

func NewLedger(db *gorm.DB, cat *catalog.Catalog, quota *config.QuotaConfig) *Ledger {
	return &Ledger{db: db, cat: cat, quota: quota}
}

// LimitCheck is the input to CheckLimits. EstimatedTokens is a rough token
// estimate for the pending message, counted against token ceilings.
type LimitCheck struct {
	UserID          uint
	ModelID         string // logical id (alias, not a pool member)
	EstimatedTokens int64
}

// LimitDecision is the outcome of a limit check. Reason is set on the first
// failing check only. Warning is advisory and never blocks.
type LimitDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`

	CreditsRemaining float64 `json:"credits_remaining,omitempty"`
	CreditsNeeded    float64 `json:"credits_needed,omitempty"`
	ModelCost        float64 `json:"model_cost,omitempty"`
	PlanCeiling      float64 `json:"plan_ceiling,omitempty"`

	Warning string `json:"warning,omitempty"`
}

func allow(warning string) *LimitDecision {
	return &LimitDecision{Allowed: true, Warning: warning}
}

func deny(reason, message string) *LimitDecision {
	return &LimitDecision{Reason: reason, Message: message}
}

// CheckLimits evaluates the caller's quota dimensions in order and returns
// the first failing reason. A quota-store read failure fails closed as
// DATABASE_ERROR: infrastructure trouble never silently permits a call.
func (l *Ledger) CheckLimits(ctx context.Context, in LimitCheck) *LimitDecision {
	var user models.User
	if err := l.db.WithContext(ctx).First(&user, in.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return deny(response.ReasonUserNotFound, "user not found")
		}
		logger.Errorf("[Ledger] User read failed for %d: %v", in.UserID, err)
		return deny(response.ReasonDatabaseError, "quota check unavailable")
	}

	now := time.Now()
	if user.IsPro {
		return l.checkProLimits(ctx, &user, in, now)
	}
	return l.checkFreeLimits(ctx, &user, in, now)
}

func (l *Ledger) checkFreeLimits(ctx context.Context, user *models.User, in LimitCheck, now time.Time) *LimitDecision {
	model, ok := l.cat.Get(in.ModelID)
	if ok && !model.IsFree {
		return deny(response.ReasonNotProUser, "this model requires a PRO subscription")
	}

	var usage models.DailyUsage
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", user.ID, models.UsageDate(now)).
		First(&usage).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Errorf("[Ledger] Daily usage read failed for %d: %v", user.ID, err)
		return deny(response.ReasonDatabaseError, "quota check unavailable")
	}

	if usage.RequestsCount >= l.quota.FreeDailyRequests {
		return deny(response.ReasonDailyRequestLimit,
			fmt.Sprintf("daily request limit of %d reached", l.quota.FreeDailyRequests))
	}
	if usage.TokensUsed+in.EstimatedTokens > l.quota.FreeDailyTokens {
		return deny(response.ReasonDailyTokenLimit,
			fmt.Sprintf("daily token limit of %d reached", l.quota.FreeDailyTokens))
	}

	warning := l.softWarning(
		float64(usage.RequestsCount), float64(l.quota.FreeDailyRequests),
		float64(usage.TokensUsed), float64(l.quota.FreeDailyTokens))
	return allow(warning)
}

func (l *Ledger) checkProLimits(ctx context.Context, user *models.User, in LimitCheck, now time.Time) *LimitDecision {
	if !user.ProActive(now) {
		return deny(response.ReasonSubscriptionExpired, "PRO subscription has expired")
	}

	plan := catalog.PlanFor(user.ProPlanType)
	cost := l.cat.Cost(in.ModelID)

	if cost > plan.MaxModelCost {
		d := deny(response.ReasonModelNotAvailableForPlan,
			fmt.Sprintf("model cost %.0f exceeds the %s plan ceiling of %.0f", cost, plan.Type, plan.MaxModelCost))
		d.ModelCost = cost
		d.PlanCeiling = plan.MaxModelCost
		return d
	}

	if user.ProCreditsRemaining < cost {
		d := deny(response.ReasonInsufficientCredits,
			fmt.Sprintf("%.1f credits remaining, %.1f needed", user.ProCreditsRemaining, cost))
		d.CreditsRemaining = user.ProCreditsRemaining
		d.CreditsNeeded = cost
		return d
	}

	var usage models.ProUsageMonitoring
	err := l.db.WithContext(ctx).
		Where("user_id = ? AND date = ?", user.ID, models.UsageDate(now)).
		First(&usage).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		logger.Errorf("[Ledger] PRO usage read failed for %d: %v", user.ID, err)
		return deny(response.ReasonDatabaseError, "quota check unavailable")
	}

	if usage.MessagesCount >= plan.DailyMessages {
		return deny(response.ReasonDailyMessageLimit,
			fmt.Sprintf("daily message limit of %d for the %s plan reached", plan.DailyMessages, plan.Type))
	}
	if usage.TokensUsed+in.EstimatedTokens > plan.DailyTokens {
		return deny(response.ReasonDailyTokenLimit,
			fmt.Sprintf("daily token limit of %d for the %s plan reached", plan.DailyTokens, plan.Type))
	}

	warning := l.softWarning(
		float64(usage.MessagesCount), float64(plan.DailyMessages),
		float64(usage.TokensUsed), float64(plan.DailyTokens))
	return allow(warning)
}

// softWarning reports when either daily dimension crosses the warn ratio.
// It is surfaced to the caller for notification and never blocks.
func (l *Ledger) softWarning(msgUsed, msgLimit, tokUsed, tokLimit float64) string {
	ratio := l.quota.SoftWarnRatio
	if ratio <= 0 {
		ratio = 0.7
	}
	if msgLimit > 0 && msgUsed/msgLimit >= ratio {
		return fmt.Sprintf("you have used %.0f%% of today's message allotment", 100*msgUsed/msgLimit)
	}
	if tokLimit > 0 && tokUsed/tokLimit >= ratio {
		return fmt.Sprintf("you have used %.0f%% of today's token allotment", 100*tokUsed/tokLimit)
	}
	return ""
}

// CommitUsage records one completed generation: credit debit, audit log row
// and the per-day counter upserts. Only called once the full response text is
// known. The counter writes are database-side additive merges so two
// completions finishing in the same second for one user cannot lose updates.
func (l *Ledger) CommitUsage(ctx context.Context, userID uint, chatID, modelID string, tokensUsed, messageLength int) error {
	var user models.User
	if err := l.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}

	cost := l.cat.Cost(modelID)
	date := models.UsageDate(time.Now())
	creditsSpent := 0.0
	if user.IsPro {
		creditsSpent = cost
	}

	if user.IsPro {
		// Debit floored at zero, applied in SQL so concurrent debits cannot
		// interleave a stale read.
		err := l.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ?", userID).
			Update("pro_credits_remaining",
				gorm.Expr("CASE WHEN pro_credits_remaining >= ? THEN pro_credits_remaining - ? ELSE 0 END", cost, cost)).Error
		if err != nil {
			return fmt.Errorf("credit debit: %w", err)
		}

		err = l.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"messages_count": gorm.Expr("messages_count + ?", 1),
				"tokens_used":    gorm.Expr("tokens_used + ?", tokensUsed),
				"credits_spent":  gorm.Expr("credits_spent + ?", cost),
				"updated_at":     time.Now(),
			}),
		}).Create(&models.ProUsageMonitoring{
			UserID:        userID,
			Date:          date,
			MessagesCount: 1,
			TokensUsed:    int64(tokensUsed),
			CreditsSpent:  cost,
		}).Error
		if err != nil {
			return fmt.Errorf("pro usage upsert: %w", err)
		}
	} else {
		err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"requests_count": gorm.Expr("requests_count + ?", 1),
				"tokens_used":    gorm.Expr("tokens_used + ?", tokensUsed),
				"updated_at":     time.Now(),
			}),
		}).Create(&models.DailyUsage{
			UserID:        userID,
			Date:          date,
			RequestsCount: 1,
			TokensUsed:    int64(tokensUsed),
		}).Error
		if err != nil {
			return fmt.Errorf("daily usage upsert: %w", err)
		}

		// Mirror counters on the user row for cheap profile reads.
		err = l.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ?", userID).
			Updates(map[string]interface{}{
				"daily_tokens_used": gorm.Expr("daily_tokens_used + ?", tokensUsed),
				"tokens_balance":    gorm.Expr("tokens_balance - ?", tokensUsed),
			}).Error
		if err != nil {
			return fmt.Errorf("user counters: %w", err)
		}
	}

	logRow := models.ProUsageLog{
		UserID:        userID,
		ChatID:        chatID,
		Model:         modelID,
		TokensUsed:    tokensUsed,
		CreditsSpent:  creditsSpent,
		MessageLength: messageLength,
	}
	if err := l.db.WithContext(ctx).Create(&logRow).Error; err != nil {
		return fmt.Errorf("usage log: %w", err)
	}

	logger.Debugf("[Ledger] Committed usage: user=%d model=%s tokens=%d credits=%.1f", userID, modelID, tokensUsed, creditsSpent)
	return nil
}

// TodaySummary is the consolidated view of today's consumption for one user.
type TodaySummary struct {
	Date             string  `json:"date"`
	RequestsCount    int     `json:"requests_count"`
	TokensUsed       int64   `json:"tokens_used"`
	ProMessagesCount int     `json:"pro_messages_count"`
	ProTokensUsed    int64   `json:"pro_tokens_used"`
	CreditsSpent     float64 `json:"credits_spent"`
	CreditsRemaining float64 `json:"credits_remaining"`
	CreditsTotal     float64 `json:"credits_total"`
}

// TodayUsage returns today's counters for a user; absent rows read as zero.
func (l *Ledger) TodayUsage(ctx context.Context, userID uint) (*TodaySummary, error) {
	var user models.User
	if err := l.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, err
	}

	date := models.UsageDate(time.Now())
	out := &TodaySummary{
		Date:             date,
		CreditsRemaining: user.ProCreditsRemaining,
		CreditsTotal:     user.ProCreditsTotal,
	}

	var daily models.DailyUsage
	if err := l.db.WithContext(ctx).Where("user_id = ? AND date = ?", userID, date).First(&daily).Error; err == nil {
		out.RequestsCount = daily.RequestsCount
		out.TokensUsed = daily.TokensUsed
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var pro models.ProUsageMonitoring
	if err := l.db.WithContext(ctx).Where("user_id = ? AND date = ?", userID, date).First(&pro).Error; err == nil {
		out.ProMessagesCount = pro.MessagesCount
		out.ProTokensUsed = pro.TokensUsed
		out.CreditsSpent = pro.CreditsSpent
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return out, nil
}

// EstimateTokens is the rough chars/4 heuristic used for pre-call token
// accounting. Good enough for quota decisions, not for billing.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64(len(text)/4) + 1
}
