package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/internal/services"
	"github.com/huangang/quizforge/pkg/response"
)

type QuotaHandler struct {
	governor *services.QuotaGovernor
}

func NewQuotaHandler(governor *services.QuotaGovernor) *QuotaHandler {
	return &QuotaHandler{governor: governor}
}

// GetRemaining returns what the caller may still spend in the current windows.
func (h *QuotaHandler) GetRemaining(c *gin.Context) {
	remaining, err := h.governor.Remaining(c.Request.Context(), middleware.GetCaller(c))
	if err != nil {
		response.ServerError(c, "failed to get quota: "+err.Error())
		return
	}
	response.Success(c, remaining)
}
