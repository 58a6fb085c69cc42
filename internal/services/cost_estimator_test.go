package services

import (
	"strings"
	"sync"
	"testing"

	"github.com/huangang/quizforge/internal/config"
	"github.com/shopspring/decimal"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		size     int
		expected int
	}{
		{0, 0},
		{1, 1},
		{3, 1},
		{4, 1},
		{5, 2},
		{4000, 1000},
		{4001, 1001},
	}

	for _, tt := range tests {
		if got := EstimateTokens(strings.Repeat("a", tt.size)); got != tt.expected {
			t.Errorf("EstimateTokens(%d bytes) = %d, expected %d", tt.size, got, tt.expected)
		}
	}
}

func TestEstimateTokens_CountsBytesNotRunes(t *testing.T) {
	// "é" is two bytes.
	if got := EstimateTokens("éé"); got != 1 {
		t.Errorf("EstimateTokens(4 bytes) = %d, expected 1", got)
	}
	if got := EstimateTokens("ééé"); got != 2 {
		t.Errorf("EstimateTokens(6 bytes) = %d, expected 2", got)
	}
}

func TestCostEstimator_FastModelScenario(t *testing.T) {
	est := NewCostEstimator(DefaultModelRates(), DefaultRate)
	got := est.Estimate(strings.Repeat("x", 4000), "fast")

	if got.Tokens != 1000 {
		t.Errorf("Tokens = %d, expected 1000", got.Tokens)
	}
	if !got.Cost.Equal(decimal.RequireFromString("0.00015")) {
		t.Errorf("Cost = %s, expected 0.00015", got.Cost)
	}
}

func TestCostEstimator_UnknownModelUsesDefault(t *testing.T) {
	est := NewCostEstimator(DefaultModelRates(), DefaultRate)
	got := est.Estimate(strings.Repeat("x", 4000), "mystery-model")

	if !got.Cost.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("Cost = %s, expected 0.002", got.Cost)
	}
}

func TestCostEstimator_RoundsToSixDecimals(t *testing.T) {
	est := NewCostEstimator(map[string]decimal.Decimal{"m": decimal.RequireFromString("0.0001")}, DefaultRate)
	// 3 tokens * 0.0001 / 1000 = 0.0000003 -> 0
	if got := est.CostForTokens(3, "m"); !got.IsZero() {
		t.Errorf("CostForTokens(3) = %s, expected 0", got)
	}
	// 5 tokens -> 0.0000005 -> 0.000001
	if got := est.CostForTokens(5, "m"); !got.Equal(decimal.RequireFromString("0.000001")) {
		t.Errorf("CostForTokens(5) = %s, expected 0.000001", got)
	}
}

func TestCostEstimator_Idempotent(t *testing.T) {
	est := NewCostEstimator(DefaultModelRates(), DefaultRate)
	content := strings.Repeat("learning outcome ", 321)

	first := est.Estimate(content, "gpt-4o")
	second := est.Estimate(content, "gpt-4o")
	if first.Tokens != second.Tokens || !first.Cost.Equal(second.Cost) {
		t.Errorf("Estimate not reproducible: %+v vs %+v", first, second)
	}
}

func TestCostEstimator_Monotonic(t *testing.T) {
	est := NewCostEstimator(DefaultModelRates(), DefaultRate)
	prev := est.Estimate("", "gpt-4")
	for n := 1; n <= 2000; n += 37 {
		cur := est.Estimate(strings.Repeat("z", n), "gpt-4")
		if cur.Tokens < prev.Tokens || cur.Cost.LessThan(prev.Cost) {
			t.Fatalf("estimate decreased at %d bytes: %+v after %+v", n, cur, prev)
		}
		prev = cur
	}
}

func TestCostEstimator_ConcurrentUse(t *testing.T) {
	est := NewCostEstimator(DefaultModelRates(), DefaultRate)
	content := strings.Repeat("q", 4000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := est.Estimate(content, "fast"); got.Tokens != 1000 {
				t.Errorf("Tokens = %d, expected 1000", got.Tokens)
			}
		}()
	}
	wg.Wait()
}

func TestCostEstimator_TableIsCopied(t *testing.T) {
	rates := map[string]decimal.Decimal{"m": decimal.NewFromInt(1)}
	est := NewCostEstimator(rates, DefaultRate)
	rates["m"] = decimal.NewFromInt(100)

	if got := est.Rate("m"); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Rate(m) = %s, expected 1", got)
	}
}

func TestNewCostEstimatorFromConfig(t *testing.T) {
	est, err := NewCostEstimatorFromConfig(&config.AIConfig{
		ModelRates:  map[string]string{"fast": "0.0003", "local": "0"},
		DefaultRate: "0.01",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := est.Rate("fast"); !got.Equal(decimal.RequireFromString("0.0003")) {
		t.Errorf("Rate(fast) = %s, expected 0.0003", got)
	}
	if got := est.Rate("gpt-4"); !got.Equal(decimal.RequireFromString("0.03")) {
		t.Errorf("Rate(gpt-4) = %s, expected default table 0.03", got)
	}
	if got := est.Rate("unknown"); !got.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("Rate(unknown) = %s, expected 0.01", got)
	}

	if _, err := NewCostEstimatorFromConfig(&config.AIConfig{ModelRates: map[string]string{"x": "abc"}}); err == nil {
		t.Error("expected error for unparsable rate")
	}
	if _, err := NewCostEstimatorFromConfig(&config.AIConfig{ModelRates: map[string]string{"x": "-1"}}); err == nil {
		t.Error("expected error for negative rate")
	}
}
