package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the database, queue and signal stream.
type HealthHandler struct {
	db    *gorm.DB
	queue services.TaskQueue
	hub   *services.SignalHub
}

func NewHealthHandler(db *gorm.DB, queue services.TaskQueue, hub *services.SignalHub) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, hub: hub}
}

// CheckHealth returns the health status of all subsystems.
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := 200

	// Database check
	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
	}
	if overall != "healthy" {
		status = 503
	}

	queueMode := "sync"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	var running int64
	if dbStatus == "ok" {
		h.db.WithContext(c.Request.Context()).Model(&models.PipelineState{}).
			Where("stage NOT IN ?", []models.PipelineStage{models.StageFeedbackGenerated, models.StageFailed}).
			Count(&running)
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"service": "quizforge",
		"components": gin.H{
			"database":          dbStatus,
			"queue_mode":        queueMode,
			"signal_clients":    h.hub.ClientCount(),
			"pipelines_running": running,
		},
	})
}
