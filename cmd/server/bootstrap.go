package main

import (
	"context"
	"time"

	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/handlers"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/services"
	"github.com/huangang/quizforge/pkg/logger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const redisKeyPrefix = "quizforge:"

// appServices holds all initialized services needed by the application.
type appServices struct {
	db        *gorm.DB
	redis     *redis.Client
	hub       *services.SignalHub
	ledger    *services.UsageLedger
	governor  *services.QuotaGovernor
	gateway   *services.AIGateway
	pipeline  *services.Pipeline
	taskQueue services.TaskQueue
	worker    *services.Worker
	scheduler *services.MaintenanceScheduler
	throttle  *middleware.RateLimiter
}

// bootstrap initializes all application dependencies: database, quota,
// provider, pipeline, queue and schedulers.
func bootstrap(cfg *config.Config) *appServices {
	// Initialize database
	if err := models.InitDB(&cfg.Database, cfg.Server.Mode); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := models.GetDB()

	// Auto migrate database
	if err := models.AutoMigrate(db); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil && cfg.Quota.Distributed {
			logger.Fatalf("Redis is required for the distributed quota window: %v", err)
		} else if err != nil {
			logger.Warn().Err(err).Msg("Redis ping failed")
		}
	}

	hub := services.NewSignalHub(cfg.Pipeline.SignalLanes)
	ledger := services.NewUsageLedger(db)

	// Quota governor: in-process window and spend cache unless distributed
	quotaCfg, err := services.QuotaConfigFrom(&cfg.Quota)
	if err != nil {
		logger.Fatalf("Invalid quota config: %v", err)
	}
	var (
		window services.RateWindow
		cache  services.CounterCache
	)
	if cfg.Quota.Distributed {
		window = services.NewRedisRateWindow(redisClient, services.RateWindowDuration, redisKeyPrefix, services.LedgerHistory(ledger))
		cache = services.NewRedisCounterCache(redisClient, redisKeyPrefix)
		logger.Info().Msg("[Quota] Using the Redis rate window")
	} else {
		window = services.NewMemoryRateWindow(services.RateWindowDuration, services.LedgerHistory(ledger))
		cache = services.NewMemoryCounterCache(10000)
	}
	governor := services.NewQuotaGovernor(quotaCfg, ledger, window, cache, hub)

	// Provider
	backend, err := services.NewProviderBackend(&cfg.AI)
	if err != nil {
		logger.Fatalf("Failed to initialize provider: %v", err)
	}
	estimator, err := services.NewCostEstimatorFromConfig(&cfg.AI)
	if err != nil {
		logger.Fatalf("Invalid model rates: %v", err)
	}
	client := services.NewProviderClient(backend, estimator, ledger, services.ProviderSettingsFrom(&cfg.Provider, &cfg.AI))
	gateway := services.NewAIGateway(governor, client, hub, cfg.Quota.MaxContentSize)

	// Pipeline (uses Redis queue if enabled, otherwise sync mode)
	taskQueue := services.NewTaskQueue(cfg)
	artifacts := services.NewGormArtifactStore(db)
	limiter := services.NewRegenerationLimiter(db, cfg.Regeneration.MaxRegenerationsPerUnit)
	pipeline := services.NewPipeline(services.NewPipelineStore(db), artifacts, artifacts, gateway, limiter, taskQueue, hub)
	pipeline.Register(hub)
	services.NewAlertService(&cfg.Alerts).Register(hub)

	if syncQueue, ok := taskQueue.(*services.SyncQueue); ok {
		syncQueue.SetProcessor(pipeline.HandleTask)
	}
	hub.Start(context.Background())

	// Start async worker if Redis is enabled
	worker := services.NewWorker(&cfg.Redis, cfg.Pipeline.WorkerCount)
	if worker != nil {
		worker.SetProcessor(pipeline.HandleTask)
		if err := worker.Start(); err != nil {
			logger.Fatalf("Failed to start worker: %v", err)
		}
	}

	scheduler := services.NewMaintenanceScheduler(db, ledger, window, &cfg.Usage)
	if err := scheduler.StartScheduler(); err != nil {
		logger.Fatalf("Failed to start scheduler: %v", err)
	}

	handlers.RegisterRuntimeMetrics(db, taskQueue, hub)

	return &appServices{
		db:        db,
		redis:     redisClient,
		hub:       hub,
		ledger:    ledger,
		governor:  governor,
		gateway:   gateway,
		pipeline:  pipeline,
		taskQueue: taskQueue,
		worker:    worker,
		scheduler: scheduler,
		throttle:  middleware.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst),
	}
}

// shutdown gracefully stops all services.
func (s *appServices) shutdown() {
	s.scheduler.StopScheduler()
	s.throttle.Stop()
	logger.Info().Msg("All schedulers stopped")

	if s.worker != nil {
		s.worker.Stop()
	}
	if s.taskQueue != nil {
		if err := s.taskQueue.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close task queue")
		}
	}
	s.hub.Stop()

	if s.redis != nil {
		s.redis.Close()
	}
	if sqlDB, err := s.db.DB(); err == nil {
		sqlDB.Close()
	}
}
