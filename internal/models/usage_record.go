package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Operation names the kind of work a provider call performs.
type Operation string

const (
	OperationAnalyze  Operation = "analyze"
	OperationTos      Operation = "tos"
	OperationQuiz     Operation = "quiz"
	OperationReword   Operation = "reword"
	OperationFeedback Operation = "feedback"
	OperationParse    Operation = "parse"
)

// Valid reports whether op is one of the known operations.
func (op Operation) Valid() bool {
	switch op {
	case OperationAnalyze, OperationTos, OperationQuiz, OperationReword, OperationFeedback, OperationParse:
		return true
	}
	return false
}

// MicrosPerUSD is the fixed-point scale of CostMicros.
const MicrosPerUSD = 1_000_000

// ErrUsageRecordImmutable is returned when something tries to update a ledger row.
var ErrUsageRecordImmutable = errors.New("usage records are append-only")

// UsageRecord records one logical provider call, whatever its outcome.
type UsageRecord struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Caller           string    `gorm:"size:100;not null;index:idx_usage_caller_created,priority:1" json:"caller"`
	Operation        Operation `gorm:"size:20;not null;index" json:"operation"`
	Model            string    `gorm:"size:100" json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	// Micro-USD. Zero for failed calls.
	CostMicros    int64     `json:"cost_micros"`
	LatencyMs     int64     `json:"latency_ms"`
	Attempts      int       `json:"attempts"`
	Success       bool      `json:"success"`
	ErrorCategory *string   `gorm:"size:50" json:"error_category,omitempty"`
	ErrorMessage  string    `gorm:"size:500" json:"error_message,omitempty"`
	CorrelationID string    `gorm:"size:64;index" json:"correlation_id,omitempty"`
	CreatedAt     time.Time `gorm:"index:idx_usage_caller_created,priority:2;index" json:"created_at"`
}

func (UsageRecord) TableName() string { return "usage_records" }

// Cost returns the recorded cost in USD.
func (r *UsageRecord) Cost() decimal.Decimal {
	return MicrosToUSD(r.CostMicros)
}

// BeforeSave normalizes token totals and rejects negative cost.
func (r *UsageRecord) BeforeSave(tx *gorm.DB) error {
	if r.CostMicros < 0 {
		return errors.New("usage record cost must not be negative")
	}
	r.TotalTokens = r.PromptTokens + r.CompletionTokens
	return nil
}

// BeforeUpdate keeps the ledger append-only.
func (r *UsageRecord) BeforeUpdate(tx *gorm.DB) error {
	return ErrUsageRecordImmutable
}

// USDToMicros converts a dollar amount to micro-USD, rounding half away from zero.
func USDToMicros(usd decimal.Decimal) int64 {
	return usd.Shift(6).Round(0).IntPart()
}

// MicrosToUSD converts micro-USD to a dollar amount with six decimals.
func MicrosToUSD(micros int64) decimal.Decimal {
	return decimal.New(micros, -6)
}
