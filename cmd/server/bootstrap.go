package main

import (
	"math/rand"
	"time"

	"github.com/luminachat/backend/internal/catalog"
	"github.com/luminachat/backend/internal/config"
	"github.com/luminachat/backend/internal/handlers"
	"github.com/luminachat/backend/internal/models"
	"github.com/luminachat/backend/internal/services"
	"github.com/luminachat/backend/internal/utils"
	"github.com/luminachat/backend/pkg/logger"
)

// appServices holds all initialized services and handlers needed by the application.
type appServices struct {
	cfg       *config.Config
	scheduler *services.Scheduler
	taskQueue services.TaskQueue
	worker    *services.Worker

	authHandler    *handlers.AuthHandler
	chatHandler    *handlers.ChatHandler
	modelsHandler  *handlers.ModelsHandler
	usageHandler   *handlers.UsageHandler
	billingHandler *handlers.BillingHandler
	healthHandler  *handlers.HealthHandler
}

// bootstrap initializes all application dependencies: database, services, schedulers.
func bootstrap(cfg *config.Config) *appServices {
	utils.SetJWTSecret(cfg.JWT.Secret)

	// Initialize database
	if err := models.InitDB(&cfg.Database); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Auto migrate database
	if err := models.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	db := models.GetDB()

	cat := catalog.New(rand.New(rand.NewSource(time.Now().UnixNano())))
	ledger := services.NewLedger(db, cat, &cfg.Quota)
	router := services.NewRouter(cfg, cat)

	// Task queue for title generation (uses Redis if enabled, otherwise sync mode)
	taskQueue := services.InitTaskQueue(cfg)
	titleService := services.NewTitleService(db, router, &cfg.Titles, taskQueue)
	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(titleService.Process)
	}

	var worker *services.Worker
	if cfg.Redis.Enabled {
		worker = services.InitWorker(&cfg.Redis)
		if worker != nil {
			worker.SetProcessor(titleService.Process)
			worker.Start()
		}
	}

	chatService := services.NewChatService(db, cat, ledger, router, titleService)

	// Housekeeping jobs
	scheduler := services.NewScheduler(db, &cfg.Quota)
	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	// Create default admin user
	authHandler := handlers.NewAuthHandler(db, cfg)
	if err := authHandler.CreateAdminIfNotExists(); err != nil {
		logger.Warn().Err(err).Msg("Failed to create admin user")
	}

	return &appServices{
		cfg:            cfg,
		scheduler:      scheduler,
		taskQueue:      taskQueue,
		worker:         worker,
		authHandler:    authHandler,
		chatHandler:    handlers.NewChatHandler(chatService),
		modelsHandler:  handlers.NewModelsHandler(db, cat),
		usageHandler:   handlers.NewUsageHandler(ledger, services.NewUsageStatsService(db)),
		billingHandler: handlers.NewBillingHandler(services.NewBillingService(db), cfg.Billing.WebhookSecret),
		healthHandler:  handlers.NewHealthHandler(),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.scheduler.Stop()
	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		s.taskQueue.Close()
	}
	logger.Info().Msg("All services stopped")
}
