package handlers

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
	"github.com/luminachat/backend/internal/services"
	"github.com/luminachat/backend/pkg/logger"
	"github.com/luminachat/backend/pkg/response"
)

type BillingHandler struct {
	billingService *services.BillingService
	webhookSecret  string
}

func NewBillingHandler(billingService *services.BillingService, webhookSecret string) *BillingHandler {
	return &BillingHandler{billingService: billingService, webhookSecret: webhookSecret}
}

// Webhook receives subscription lifecycle events from the payment provider.
// The shared secret travels in the X-Billing-Secret header.
// POST /api/billing/webhook
func (h *BillingHandler) Webhook(c *gin.Context) {
	if h.webhookSecret == "" {
		logger.Warnf("[Billing] Webhook called with no secret configured, rejecting")
		response.Unauthorized(c, "webhook not configured")
		return
	}

	got := c.GetHeader("X-Billing-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
		response.Unauthorized(c, "invalid webhook secret")
		return
	}

	var event services.BillingEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	if err := h.billingService.ApplyEvent(&event); err != nil {
		logger.Errorf("[Billing] Failed to apply event %s for user %d: %v", event.Type, event.UserID, err)
		response.BadRequest(c, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "event applied"})
}
