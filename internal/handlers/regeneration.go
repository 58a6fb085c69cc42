package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/internal/services"
	"github.com/huangang/quizforge/pkg/response"
)

type RegenerationHandler struct {
	pipeline *services.Pipeline
}

func NewRegenerationHandler(pipeline *services.Pipeline) *RegenerationHandler {
	return &RegenerationHandler{pipeline: pipeline}
}

type regenerateBody struct {
	Model string `json:"model"`
}

// Regenerate rewords one question unit.
func (h *RegenerationHandler) Regenerate(c *gin.Context) {
	var body regenerateBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	result, err := h.pipeline.Regenerate(c.Request.Context(), &services.RegenerateRequest{
		Caller: middleware.GetCaller(c),
		UnitID: c.Param("unit_id"),
		Model:  body.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	response.Created(c, result)
}

// History lists the regenerations recorded against a unit.
func (h *RegenerationHandler) History(c *gin.Context) {
	history, err := h.pipeline.RegenerationHistory(c.Request.Context(), middleware.GetCaller(c), c.Param("unit_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, history)
}
