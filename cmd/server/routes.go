package main

import (
	"github.com/gin-gonic/gin"
	"github.com/luminachat/backend/internal/middleware"
	"github.com/luminachat/backend/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	// Rate limiter for unauthenticated routes
	publicLimiter := middleware.NewRateLimiter(10, 20)

	// Health check
	r.GET("/health", svc.healthHandler.CheckHealth)

	// API routes
	api := r.Group("/api")
	{
		// Auth routes (public, rate limited)
		auth := api.Group("/auth", publicLimiter.Middleware())
		{
			auth.POST("/register", svc.authHandler.Register)
			auth.POST("/login", svc.authHandler.Login)
			auth.POST("/refresh", svc.authHandler.Refresh)
		}

		// Billing webhook (public with shared-secret verification, rate limited)
		api.POST("/billing/webhook", publicLimiter.Middleware(), svc.billingHandler.Webhook)

		// Protected routes
		protected := api.Group("")
		protected.Use(middleware.AuthRequired())
		{
			// Auth
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)
			protected.POST("/auth/logout", svc.authHandler.Logout)
			protected.POST("/auth/change-password", svc.authHandler.ChangePassword)

			// Models
			protected.GET("/models", svc.modelsHandler.List)

			// Chat
			protected.POST("/chat/completions", svc.chatHandler.Completions)
			protected.GET("/chats", svc.chatHandler.List)
			protected.GET("/chats/:id", svc.chatHandler.Get)
			protected.PUT("/chats/:id", svc.chatHandler.Rename)
			protected.DELETE("/chats/:id", svc.chatHandler.Delete)

			// Usage
			protected.GET("/usage/today", svc.usageHandler.Today)
			protected.GET("/usage/daily", svc.usageHandler.DailyTrend)
			protected.GET("/usage/models", svc.usageHandler.ModelBreakdown)
			protected.GET("/usage/pro-month", svc.usageHandler.ProMonth)

			// Admin routes
			admin := protected.Group("/admin", middleware.AdminRequired())
			{
				admin.GET("/users/:id/usage", svc.usageHandler.UserToday)
			}
		}
	}
}
