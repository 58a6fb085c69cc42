package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/handlers"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	// Middleware
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.Use(middleware.CORS())

	r.GET("/health", handlers.NewHealthHandler(svc.db, svc.taskQueue, svc.hub).CheckHealth)
	r.GET("/metrics", handlers.Metrics())

	api := r.Group("/api")
	{
		// SSE reads the caller itself; EventSource cannot send headers
		api.GET("/events/signals", handlers.NewSSEHandler(svc.hub).StreamSignals)

		caller := api.Group("")
		caller.Use(middleware.CallerRequired(), svc.throttle.Middleware())
		{
			caller.GET("/quota", handlers.NewQuotaHandler(svc.governor).GetRemaining)

			// Usage
			usageHandler := handlers.NewUsageHandler(svc.ledger)
			caller.GET("/usage/stats", usageHandler.GetStats)
			caller.GET("/usage/operations", usageHandler.GetOperationBreakdown)
			caller.GET("/usage/trend", usageHandler.GetDailyTrend)
			caller.GET("/usage/records", usageHandler.List)

			// Pipelines
			pipelineHandler := handlers.NewPipelineHandler(svc.pipeline)
			caller.POST("/pipelines", pipelineHandler.Start)
			caller.GET("/pipelines/:correlation_id", pipelineHandler.Get)

			// Regeneration
			regenerationHandler := handlers.NewRegenerationHandler(svc.pipeline)
			caller.POST("/units/:unit_id/regenerate", regenerationHandler.Regenerate)
			caller.GET("/units/:unit_id/regenerations", regenerationHandler.History)

			caller.POST("/outcomes/parse", handlers.NewOutcomesHandler(svc.gateway).Parse)
		}
	}
}
