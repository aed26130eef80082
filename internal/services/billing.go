package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/luminachat/backend/internal/catalog"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/pkg/logger"
	"gorm.io/gorm"
)

// BillingService applies subscription lifecycle events delivered by the
// payment provider's webhook. It is the only writer of the PRO fields on the
// user row.
type BillingService struct {
	db *gorm.DB
}

func NewBillingService(db *gorm.DB) *BillingService {
	return &BillingService{db: db}
}

// BillingEvent is one webhook notification.
type BillingEvent struct {
	Type      string  `json:"type" binding:"required"`
	UserID    uint    `json:"user_id" binding:"required"`
	PlanType  string  `json:"plan_type,omitempty"`
	Credits   float64 `json:"credits,omitempty"`
	ExpiresAt string  `json:"expires_at,omitempty"` // RFC 3339
}

// ApplyEvent dispatches a billing event. Unknown event types are rejected so
// the provider retries after a webhook contract change.
func (s *BillingService) ApplyEvent(event *BillingEvent) error {
	switch event.Type {
	case "subscription.activated":
		return s.activateSubscription(event)
	case "subscription.cancelled":
		return s.cancelSubscription(event)
	case "credits.topup":
		return s.topupCredits(event)
	default:
		return fmt.Errorf("unknown billing event type %q", event.Type)
	}
}

func (s *BillingService) activateSubscription(event *BillingEvent) error {
	if !catalog.KnownPlan(event.PlanType) {
		return fmt.Errorf("unknown plan type %q", event.PlanType)
	}
	plan := catalog.PlanFor(event.PlanType)

	expiresAt := time.Now().AddDate(0, 1, 0)
	if event.ExpiresAt != "" {
		parsed, err := time.Parse(time.RFC3339, event.ExpiresAt)
		if err != nil {
			return fmt.Errorf("invalid expires_at: %w", err)
		}
		expiresAt = parsed
	}

	credits := plan.TotalCredits
	if event.Credits > 0 {
		credits = event.Credits
	}

	res := s.db.Model(&models.User{}).Where("id = ?", event.UserID).Updates(map[string]interface{}{
		"is_pro":                true,
		"pro_plan_type":         plan.Type,
		"pro_expires_at":        expiresAt,
		"pro_credits_remaining": credits,
		"pro_credits_total":     credits,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("user not found")
	}

	logger.Infof("[Billing] Subscription activated: user=%d plan=%s credits=%.0f expires=%s",
		event.UserID, plan.Type, credits, expiresAt.Format(time.RFC3339))
	return nil
}

func (s *BillingService) cancelSubscription(event *BillingEvent) error {
	res := s.db.Model(&models.User{}).Where("id = ?", event.UserID).Updates(map[string]interface{}{
		"is_pro":         false,
		"pro_expires_at": nil,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("user not found")
	}

	logger.Infof("[Billing] Subscription cancelled: user=%d", event.UserID)
	return nil
}

func (s *BillingService) topupCredits(event *BillingEvent) error {
	if event.Credits <= 0 {
		return errors.New("credits must be positive")
	}

	res := s.db.Model(&models.User{}).Where("id = ? AND is_pro = ?", event.UserID, true).Updates(map[string]interface{}{
		"pro_credits_remaining": gorm.Expr("pro_credits_remaining + ?", event.Credits),
		"pro_credits_total":     gorm.Expr("pro_credits_total + ?", event.Credits),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("user not found or not subscribed")
	}

	logger.Infof("[Billing] Credits topped up: user=%d amount=%.0f", event.UserID, event.Credits)
	return nil
}
