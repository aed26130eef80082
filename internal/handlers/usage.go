package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/luminachat/backend/internal/middleware"
	"github.com/luminachat/backend/internal/services"
	"github.com/luminachat/backend/pkg/response"
	"gorm.io/gorm"
)

type UsageHandler struct {
	ledger *services.Ledger
	stats  *services.UsageStatsService
}

func NewUsageHandler(ledger *services.Ledger, stats *services.UsageStatsService) *UsageHandler {
	return &UsageHandler{ledger: ledger, stats: stats}
}

// Today returns the caller's current-day usage against their limits
// GET /api/usage/today
func (h *UsageHandler) Today(c *gin.Context) {
	userID := middleware.GetUserID(c)
	summary, err := h.ledger.TodayUsage(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, summary)
}

// DailyTrend returns per-day usage rows for charting
// GET /api/usage/daily?start=2026-08-01&end=2026-08-31
func (h *UsageHandler) DailyTrend(c *gin.Context) {
	userID := middleware.GetUserID(c)
	trend, err := h.stats.GetDailyTrend(userID, c.Query("start"), c.Query("end"))
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, trend)
}

// ModelBreakdown returns usage grouped by model
// GET /api/usage/models?start=2026-08-01&end=2026-08-31
func (h *UsageHandler) ModelBreakdown(c *gin.Context) {
	userID := middleware.GetUserID(c)
	breakdown, err := h.stats.GetModelBreakdown(userID, c.Query("start"), c.Query("end"))
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, breakdown)
}

// UserToday returns any user's current-day usage, for support lookups
// GET /api/admin/users/:id/usage
func (h *UsageHandler) UserToday(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "invalid user id")
		return
	}

	summary, err := h.ledger.TodayUsage(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.NotFound(c, "user not found")
			return
		}
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, summary)
}

// ProMonth returns the caller's current-month PRO consumption
// GET /api/usage/pro-month?month=2026-08
func (h *UsageHandler) ProMonth(c *gin.Context) {
	userID := middleware.GetUserID(c)

	month := c.Query("month")
	if month == "" {
		month = time.Now().Format("2006-01")
	}

	summary, err := h.stats.GetProMonthSummary(userID, month)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, summary)
}
