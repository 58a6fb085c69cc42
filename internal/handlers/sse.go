package handlers

import (
	"fmt"
	"io"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/internal/services"
	"github.com/huangang/quizforge/pkg/logger"
	"github.com/huangang/quizforge/pkg/response"
)

// SSEHandler streams pipeline signals as Server-Sent Events.
type SSEHandler struct {
	hub *services.SignalHub
}

func NewSSEHandler(hub *services.SignalHub) *SSEHandler {
	return &SSEHandler{hub: hub}
}

// StreamSignals sends the caller's signals, optionally narrowed to one run.
// Browsers cannot set headers on an EventSource, so the caller may also be
// passed as a query parameter.
func (h *SSEHandler) StreamSignals(c *gin.Context) {
	caller := strings.TrimSpace(c.GetHeader(middleware.CallerHeader))
	if caller == "" {
		caller = c.Query("caller")
	}
	if caller == "" {
		response.Unauthorized(c, middleware.CallerHeader+" header or caller query required")
		return
	}
	correlationID := c.Query("correlation_id")

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	clientID := uuid.New().String()
	signals := h.hub.Subscribe(clientID)
	defer h.hub.Unsubscribe(clientID)

	logger.Info().Str("client_id", clientID).Str("caller", caller).Int("total", h.hub.ClientCount()).Msg("[SSE] Client connected")

	c.Stream(func(w io.Writer) bool {
		select {
		case sig, ok := <-signals:
			if !ok {
				return false
			}
			if sig.Caller != caller || (correlationID != "" && sig.CorrelationID != correlationID) {
				return true
			}
			data, err := json.Marshal(sig)
			if err != nil {
				logger.Error().Err(err).Msg("[SSE] Marshal error")
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sig.Kind, data)
			c.Writer.Flush()
			return true
		case <-c.Request.Context().Done():
			logger.Info().Str("client_id", clientID).Msg("[SSE] Client disconnected")
			return false
		}
	})
}
