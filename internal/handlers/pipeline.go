package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/services"
	"github.com/huangang/quizforge/pkg/response"
)

// PipelineHandler starts quiz generation runs and reports their progress.
type PipelineHandler struct {
	pipeline *services.Pipeline
}

func NewPipelineHandler(pipeline *services.Pipeline) *PipelineHandler {
	return &PipelineHandler{pipeline: pipeline}
}

// PipelineView is a run with the question units generated so far.
type PipelineView struct {
	*models.PipelineState
	Units []models.GeneratedArtifact `json:"units"`
}

// Start opens a run and queues its first stage.
func (h *PipelineHandler) Start(c *gin.Context) {
	var req services.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	req.Caller = middleware.GetCaller(c)

	state, err := h.pipeline.Start(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Accepted(c, state)
}

// Get returns a run owned by the caller.
func (h *PipelineHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	state, err := h.pipeline.State(ctx, c.Param("correlation_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if state.Caller != middleware.GetCaller(c) {
		respondError(c, services.ErrPipelineNotFound)
		return
	}

	units, err := h.pipeline.Units(ctx, state.CorrelationID)
	if err != nil {
		respondError(c, err)
		return
	}
	response.Success(c, &PipelineView{PipelineState: state, Units: units})
}
