package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/luminachat/backend/internal/catalog"
	"github.com/luminachat/backend/internal/middleware"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/pkg/response"
	"gorm.io/gorm"
)

type ModelsHandler struct {
	db  *gorm.DB
	cat *catalog.Catalog
}

func NewModelsHandler(db *gorm.DB, cat *catalog.Catalog) *ModelsHandler {
	return &ModelsHandler{db: db, cat: cat}
}

// List returns the models available to the caller's plan. Pool aliases are
// listed as single entries; their membership is not exposed.
// GET /api/models
func (h *ModelsHandler) List(c *gin.Context) {
	userID := middleware.GetUserID(c)

	var user models.User
	if err := h.db.First(&user, userID).Error; err != nil {
		response.NotFound(c, "user not found")
		return
	}

	planType := ""
	if user.ProActive(time.Now()) {
		planType = user.ProPlanType
	}

	available := h.cat.ListForPlan(planType)
	out := make([]gin.H, 0, len(available))
	for _, m := range available {
		out = append(out, gin.H{
			"id":              m.ID,
			"name":            m.Name,
			"is_free":         m.IsFree,
			"max_tokens":      m.MaxTokens,
			"cost_multiplier": m.CostMultiplier,
		})
	}

	response.Success(c, gin.H{
		"plan":   planType,
		"models": out,
	})
}
