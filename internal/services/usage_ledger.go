package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/huangang/quizforge/internal/metrics"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/pkg/logger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AppendListener runs after a record is durably written.
type AppendListener func(ctx context.Context, rec *models.UsageRecord)

// UsageLedger is the append-only record of provider calls and the source of
// truth for quota decisions and reporting.
type UsageLedger struct {
	db *gorm.DB

	mu        sync.RWMutex
	listeners []AppendListener
}

func NewUsageLedger(db *gorm.DB) *UsageLedger {
	return &UsageLedger{db: db}
}

// OnAppend registers a listener invoked synchronously after each append.
func (l *UsageLedger) OnAppend(fn AppendListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Append writes rec. Records are never updated afterwards.
func (l *UsageLedger) Append(ctx context.Context, rec *models.UsageRecord) error {
	if rec.Caller == "" {
		return fmt.Errorf("usage record without caller")
	}
	if !rec.Operation.Valid() {
		return fmt.Errorf("usage record with unknown operation %q", rec.Operation)
	}
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}

	outcome := "success"
	if rec.ErrorCategory != nil {
		outcome = *rec.ErrorCategory
	}
	metrics.ProviderCalls.WithLabelValues(string(rec.Operation), outcome).Inc()
	metrics.CostMicros.WithLabelValues(string(rec.Operation)).Add(float64(rec.CostMicros))

	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, rec)
	}
	return nil
}

// CostsSince returns the caller's charged records after since, as counter
// contributions in micro-USD keyed by record id.
func (l *UsageLedger) CostsSince(ctx context.Context, caller string, since time.Time) ([]Contribution, error) {
	var rows []struct {
		ID         uint
		CostMicros int64
	}
	err := l.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select("id, cost_micros").
		Where("caller = ? AND created_at > ? AND cost_micros > 0", caller, since).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list costs for %s: %w", caller, err)
	}
	contribs := make([]Contribution, len(rows))
	for i, row := range rows {
		contribs[i] = Contribution{ID: recordKey(row.ID), Delta: row.CostMicros}
	}
	return contribs, nil
}

func recordKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// CallTimesSince returns creation times of the caller's calls after since, oldest first.
func (l *UsageLedger) CallTimesSince(ctx context.Context, caller string, since time.Time) ([]time.Time, error) {
	var times []time.Time
	err := l.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("caller = ? AND created_at > ?", caller, since).
		Order("created_at ASC").
		Pluck("created_at", &times).Error
	if err != nil {
		return nil, fmt.Errorf("list calls for %s: %w", caller, err)
	}
	return times, nil
}

// UsageFilter narrows statistics queries. Empty fields are ignored.
type UsageFilter struct {
	Caller    string
	Operation string
	StartDate string // 2006-01-02
	EndDate   string // 2006-01-02, inclusive
}

func (l *UsageLedger) filtered(ctx context.Context, f UsageFilter) *gorm.DB {
	query := l.db.WithContext(ctx).Model(&models.UsageRecord{})
	if f.StartDate != "" {
		query = query.Where("created_at >= ?", f.StartDate)
	}
	if f.EndDate != "" {
		query = query.Where("created_at <= ?", f.EndDate+" 23:59:59")
	}
	if f.Caller != "" {
		query = query.Where("caller = ?", f.Caller)
	}
	if f.Operation != "" {
		query = query.Where("operation = ?", f.Operation)
	}
	return query
}

// List returns a page of records, newest first.
func (l *UsageLedger) List(ctx context.Context, f UsageFilter, page, pageSize int) ([]models.UsageRecord, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}

	var total int64
	if err := l.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var records []models.UsageRecord
	err := l.filtered(ctx, f).
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// UsageStats holds aggregated usage statistics.
type UsageStats struct {
	TotalCalls       int64           `json:"total_calls"`
	TotalTokens      int64           `json:"total_tokens"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	TotalCostMicros  int64           `json:"-"`
	TotalCost        decimal.Decimal `json:"total_cost" gorm:"-"`
	AvgLatencyMs     float64         `json:"avg_latency_ms"`
	SuccessRate      float64         `json:"success_rate"`
	SuccessCount     int64           `json:"success_count"`
	FailureCount     int64           `json:"failure_count"`
}

// GetStats returns aggregated usage statistics for the filter.
func (l *UsageLedger) GetStats(ctx context.Context, f UsageFilter) (*UsageStats, error) {
	var stats UsageStats
	err := l.filtered(ctx, f).Select(
		"COUNT(*) as total_calls, " +
			"COALESCE(SUM(total_tokens), 0) as total_tokens, " +
			"COALESCE(SUM(prompt_tokens), 0) as prompt_tokens, " +
			"COALESCE(SUM(completion_tokens), 0) as completion_tokens, " +
			"COALESCE(SUM(cost_micros), 0) as total_cost_micros, " +
			"COALESCE(AVG(latency_ms), 0) as avg_latency_ms, " +
			"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) as success_count, " +
			"COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) as failure_count",
	).Scan(&stats).Error
	if err != nil {
		return nil, err
	}

	stats.TotalCost = models.MicrosToUSD(stats.TotalCostMicros)
	if stats.TotalCalls > 0 {
		stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.TotalCalls) * 100
	}
	return &stats, nil
}

// OperationUsage holds usage grouped by operation and model.
type OperationUsage struct {
	Operation       string          `json:"operation"`
	Model           string          `json:"model"`
	Calls           int             `json:"calls"`
	TotalTokens     int             `json:"total_tokens"`
	TotalCostMicros int64           `json:"-"`
	TotalCost       decimal.Decimal `json:"total_cost" gorm:"-"`
	AvgLatencyMs    float64         `json:"avg_latency_ms"`
	SuccessRate     float64         `json:"success_rate"`
}

// GetOperationBreakdown returns usage grouped by operation and model.
func (l *UsageLedger) GetOperationBreakdown(ctx context.Context, f UsageFilter) ([]OperationUsage, error) {
	var results []OperationUsage
	err := l.filtered(ctx, f).Select(
		"operation, model, " +
			"COUNT(*) as calls, " +
			"COALESCE(SUM(total_tokens), 0) as total_tokens, " +
			"COALESCE(SUM(cost_micros), 0) as total_cost_micros, " +
			"COALESCE(AVG(latency_ms), 0) as avg_latency_ms, " +
			"COALESCE(AVG(CASE WHEN success THEN 100.0 ELSE 0.0 END), 0) as success_rate",
	).Group("operation, model").Order("calls DESC").Scan(&results).Error
	if err != nil {
		return nil, err
	}

	if results == nil {
		results = []OperationUsage{}
	}
	for i := range results {
		results[i].TotalCost = models.MicrosToUSD(results[i].TotalCostMicros)
	}
	return results, nil
}

// DailyUsage holds usage data for a single day.
type DailyUsage struct {
	Date            string          `json:"date"`
	Calls           int             `json:"calls"`
	TotalTokens     int             `json:"total_tokens"`
	TotalCostMicros int64           `json:"-"`
	TotalCost       decimal.Decimal `json:"total_cost" gorm:"-"`
}

// GetDailyTrend returns daily aggregated usage.
func (l *UsageLedger) GetDailyTrend(ctx context.Context, f UsageFilter) ([]DailyUsage, error) {
	var results []DailyUsage
	err := l.filtered(ctx, f).Select(
		"DATE(created_at) as date, " +
			"COUNT(*) as calls, " +
			"COALESCE(SUM(total_tokens), 0) as total_tokens, " +
			"COALESCE(SUM(cost_micros), 0) as total_cost_micros",
	).Group("DATE(created_at)").Order("date ASC").Scan(&results).Error
	if err != nil {
		return nil, err
	}

	if results == nil {
		results = []DailyUsage{}
	}
	for i := range results {
		results[i].TotalCost = models.MicrosToUSD(results[i].TotalCostMicros)
	}
	return results, nil
}

// CleanupBefore deletes records older than before. Used by the retention job only.
func (l *UsageLedger) CleanupBefore(ctx context.Context, before time.Time) (int64, error) {
	result := l.db.WithContext(ctx).Where("created_at < ?", before).Delete(&models.UsageRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		logger.Infof("[Usage] Purged %d records older than %s", result.RowsAffected, before.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}
