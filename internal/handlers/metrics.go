package handlers

import (
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/metrics"
	"github.com/huangang/quizforge/internal/services"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

var (
	startTime       = time.Now()
	runtimeGaugesOnce sync.Once
)

// Metrics serves the Prometheus registry.
func Metrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// RegisterRuntimeMetrics adds the gauges sampled at scrape time. Safe to call
// more than once.
func RegisterRuntimeMetrics(db *gorm.DB, queue services.TaskQueue, hub *services.SignalHub) {
	runtimeGaugesOnce.Do(func() {
		metrics.RegisterGauge("uptime_seconds", "Time since server start in seconds", func() float64 {
			return time.Since(startTime).Seconds()
		})
		metrics.RegisterGauge("goroutines", "Number of active goroutines", func() float64 {
			return float64(runtime.NumGoroutine())
		})
		metrics.RegisterGauge("db_open_connections", "Number of open DB connections", func() float64 {
			sqlDB, err := db.DB()
			if err != nil {
				return 0
			}
			return float64(sqlDB.Stats().OpenConnections)
		})
		metrics.RegisterGauge("signal_stream_clients", "Number of connected signal stream clients", func() float64 {
			return float64(hub.ClientCount())
		})
		metrics.RegisterGauge("queue_async_enabled", "Whether the Redis task queue is in use (1=yes, 0=no)", func() float64 {
			if queue != nil && queue.IsAsync() {
				return 1
			}
			return 0
		})
	})
}
