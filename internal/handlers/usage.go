package handlers

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/services"
	"github.com/huangang/quizforge/pkg/response"
)

// UsageHandler provides endpoints for the caller's provider usage.
type UsageHandler struct {
	ledger *services.UsageLedger
}

func NewUsageHandler(ledger *services.UsageLedger) *UsageHandler {
	return &UsageHandler{ledger: ledger}
}

// filter reads start_date, end_date and operation. Results are always scoped
// to the calling caller.
func (h *UsageHandler) filter(c *gin.Context) (services.UsageFilter, bool) {
	f := services.UsageFilter{
		Caller:    middleware.GetCaller(c),
		Operation: c.Query("operation"),
		StartDate: c.Query("start_date"),
		EndDate:   c.Query("end_date"),
	}
	for _, d := range []string{f.StartDate, f.EndDate} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			response.BadRequest(c, "dates must be formatted as YYYY-MM-DD")
			return f, false
		}
	}
	if f.Operation != "" && !models.Operation(f.Operation).Valid() {
		response.BadRequest(c, "unknown operation: "+f.Operation)
		return f, false
	}
	return f, true
}

// GetStats returns aggregated usage statistics.
func (h *UsageHandler) GetStats(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	stats, err := h.ledger.GetStats(c.Request.Context(), f)
	if err != nil {
		response.ServerError(c, "failed to get usage stats: "+err.Error())
		return
	}
	response.Success(c, stats)
}

// GetOperationBreakdown returns usage grouped by operation and model.
func (h *UsageHandler) GetOperationBreakdown(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	ops, err := h.ledger.GetOperationBreakdown(c.Request.Context(), f)
	if err != nil {
		response.ServerError(c, "failed to get operation breakdown: "+err.Error())
		return
	}
	response.Success(c, ops)
}

// GetDailyTrend returns daily usage data for charting.
func (h *UsageHandler) GetDailyTrend(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	trend, err := h.ledger.GetDailyTrend(c.Request.Context(), f)
	if err != nil {
		response.ServerError(c, "failed to get usage trend: "+err.Error())
		return
	}
	response.Success(c, trend)
}

// List returns a page of usage records, newest first.
func (h *UsageHandler) List(c *gin.Context) {
	f, ok := h.filter(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	records, total, err := h.ledger.List(c.Request.Context(), f, page, pageSize)
	if err != nil {
		response.ServerError(c, "failed to list usage records: "+err.Error())
		return
	}
	response.Success(c, gin.H{
		"items":     records,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}
