package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/pkg/logger"
	"github.com/huangang/quizforge/pkg/response"
)

const (
	// CallerHeader carries the caller identity set by the upstream auth layer.
	CallerHeader  = "X-Caller-ID"
	ContextCaller = logger.CallerKey

	maxCallerLength = 100
)

// CallerRequired rejects requests without a usable caller identity and stores
// it in the context for quota and usage attribution.
func CallerRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := strings.TrimSpace(c.GetHeader(CallerHeader))
		if caller == "" {
			response.Unauthorized(c, CallerHeader+" header required")
			c.Abort()
			return
		}
		if len(caller) > maxCallerLength || strings.ContainsAny(caller, " \t:") {
			response.BadRequest(c, "invalid caller id")
			c.Abort()
			return
		}

		c.Set(ContextCaller, caller)
		c.Next()
	}
}

// GetCaller gets the current caller from context
func GetCaller(c *gin.Context) string {
	if caller, exists := c.Get(ContextCaller); exists {
		return caller.(string)
	}
	return ""
}
