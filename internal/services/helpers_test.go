package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, gormlogger.Silent)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingEmitter struct {
	mu      sync.Mutex
	signals []PipelineSignal
}

func (r *recordingEmitter) Emit(sig PipelineSignal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sig)
}

func (r *recordingEmitter) byKind(kind SignalKind) []PipelineSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PipelineSignal
	for _, s := range r.signals {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

type governorFixture struct {
	db       *gorm.DB
	ledger   *UsageLedger
	governor *QuotaGovernor
	window   *MemoryRateWindow
	cache    *MemoryCounterCache
	clock    *fakeClock
	signals  *recordingEmitter
}

func newGovernorFixture(t *testing.T, maxPerMinute int, hourlyLimit string) *governorFixture {
	t.Helper()
	db := setupTestDB(t)
	ledger := NewUsageLedger(db)
	clock := newFakeClock()
	cache := NewMemoryCounterCache(100)
	cache.now = clock.Now
	window := NewMemoryRateWindow(RateWindowDuration, LedgerHistory(ledger))
	signals := &recordingEmitter{}

	g := NewQuotaGovernor(QuotaConfig{
		MaxRequestsPerMinute: maxPerMinute,
		HourlySpendingLimit:  decimal.RequireFromString(hourlyLimit),
		SpendCacheTTL:        30 * time.Second,
		WarningThresholds:    []int{90, 95},
	}, ledger, window, cache, signals)
	g.now = clock.Now

	return &governorFixture{
		db:       db,
		ledger:   ledger,
		governor: g,
		window:   window,
		cache:    cache,
		clock:    clock,
		signals:  signals,
	}
}

// appendUsage writes a successful record costing usd at the given time.
func appendUsage(t *testing.T, ledger *UsageLedger, caller, usd string, at time.Time) {
	t.Helper()
	rec := &models.UsageRecord{
		Caller:           caller,
		Operation:        models.OperationQuiz,
		Model:            "fast",
		PromptTokens:     100,
		CompletionTokens: 50,
		CostMicros:       models.USDToMicros(decimal.RequireFromString(usd)),
		Success:          true,
		Attempts:         1,
		CreatedAt:        at,
	}
	if err := ledger.Append(context.Background(), rec); err != nil {
		t.Fatalf("append usage: %v", err)
	}
}

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}
