package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/internal/services"
	"github.com/huangang/quizforge/pkg/response"
)

type OutcomesHandler struct {
	gateway *services.AIGateway
}

func NewOutcomesHandler(gateway *services.AIGateway) *OutcomesHandler {
	return &OutcomesHandler{gateway: gateway}
}

type parseOutcomesBody struct {
	Text  string `json:"text" binding:"required"`
	Model string `json:"model"`
}

// Parse extracts structured learning outcomes from free text.
func (h *OutcomesHandler) Parse(c *gin.Context) {
	var body parseOutcomesBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.gateway.ParseOutcomes(c.Request.Context(), middleware.GetCaller(c), body.Model, body.Text)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, result)
}
