package services

import (
	"fmt"

	"github.com/huangang/quizforge/internal/config"
	"github.com/shopspring/decimal"
)

// bytesPerToken is the coarse token heuristic: one token per four bytes.
const bytesPerToken = 4

var thousand = decimal.NewFromInt(1000)

// DefaultModelRates are USD per 1000 tokens.
func DefaultModelRates() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"fast":                     decimal.RequireFromString("0.00015"),
		"standard":                 decimal.RequireFromString("0.0025"),
		"gpt-4o-mini":              decimal.RequireFromString("0.00015"),
		"gpt-4o":                   decimal.RequireFromString("0.0025"),
		"gpt-4":                    decimal.RequireFromString("0.03"),
		"claude-sonnet-4-20250514": decimal.RequireFromString("0.003"),
		"gemini-2.0-flash":         decimal.RequireFromString("0.0001"),
	}
}

// DefaultRate applies to models missing from the table.
var DefaultRate = decimal.RequireFromString("0.002")

// Estimate is a token count and its dollar cost.
type Estimate struct {
	Tokens int             `json:"tokens"`
	Cost   decimal.Decimal `json:"cost"`
}

// CostEstimator sizes content before a provider call. The rate table is
// copied at construction and never written afterwards.
type CostEstimator struct {
	rates       map[string]decimal.Decimal
	defaultRate decimal.Decimal
}

func NewCostEstimator(rates map[string]decimal.Decimal, defaultRate decimal.Decimal) *CostEstimator {
	table := make(map[string]decimal.Decimal, len(rates))
	for model, rate := range rates {
		table[model] = rate
	}
	return &CostEstimator{rates: table, defaultRate: defaultRate}
}

// NewCostEstimatorFromConfig layers configured rates over the defaults.
func NewCostEstimatorFromConfig(cfg *config.AIConfig) (*CostEstimator, error) {
	rates := DefaultModelRates()
	for model, raw := range cfg.ModelRates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("ai.model_rates[%s]: %w", model, err)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("ai.model_rates[%s] must not be negative", model)
		}
		rates[model] = rate
	}

	fallback := DefaultRate
	if cfg.DefaultRate != "" {
		rate, err := decimal.NewFromString(cfg.DefaultRate)
		if err != nil {
			return nil, fmt.Errorf("ai.default_rate: %w", err)
		}
		fallback = rate
	}
	return NewCostEstimator(rates, fallback), nil
}

// EstimateTokens returns ceil(len(content)/4).
func EstimateTokens(content string) int {
	return (len(content) + bytesPerToken - 1) / bytesPerToken
}

// Rate returns the per-1000-token rate for model.
func (e *CostEstimator) Rate(model string) decimal.Decimal {
	if rate, ok := e.rates[model]; ok {
		return rate
	}
	return e.defaultRate
}

// CostForTokens prices a token count, rounded to six decimals.
func (e *CostEstimator) CostForTokens(tokens int, model string) decimal.Decimal {
	return decimal.NewFromInt(int64(tokens)).Mul(e.Rate(model)).Div(thousand).Round(6)
}

// Estimate sizes content for model.
func (e *CostEstimator) Estimate(content string, model string) Estimate {
	tokens := EstimateTokens(content)
	return Estimate{Tokens: tokens, Cost: e.CostForTokens(tokens, model)}
}
