package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/services"
	"github.com/huangang/quizforge/pkg/response"
)

// respondError maps service sentinels to HTTP errors; operation errors are
// left to response.Error.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrPipelineNotFound), errors.Is(err, services.ErrArtifactNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, services.ErrPipelineExists):
		response.Error(c, response.NewConflict(err.Error()))
	case errors.Is(err, services.ErrNotAUnit):
		response.BadRequest(c, err.Error())
	default:
		response.Error(c, err)
	}
}
