package services

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/metrics"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
	"github.com/shopspring/decimal"
)

const (
	RateWindowDuration  = time.Minute
	SpendWindowDuration = time.Hour
)

// QuotaConfig holds the governor limits.
type QuotaConfig struct {
	MaxRequestsPerMinute int
	HourlySpendingLimit  decimal.Decimal
	SpendCacheTTL        time.Duration
	WarningThresholds    []int
}

// QuotaConfigFrom converts the file configuration.
func QuotaConfigFrom(cfg *config.QuotaConfig) (QuotaConfig, error) {
	limit, err := decimal.NewFromString(cfg.HourlySpendingLimit)
	if err != nil {
		return QuotaConfig{}, fmt.Errorf("quota.hourly_spending_limit: %w", err)
	}
	return QuotaConfig{
		MaxRequestsPerMinute: cfg.MaxRequestsPerMinute,
		HourlySpendingLimit:  limit,
		SpendCacheTTL:        time.Duration(cfg.SpendCacheTTLSeconds) * time.Second,
		WarningThresholds:    cfg.WarningThresholds,
	}, nil
}

// Decision is the outcome of Authorize. A deny is a normal outcome, not an error.
type Decision struct {
	Allowed      bool
	Kind         opserr.Kind
	RetryAfter   time.Duration
	CurrentSpend decimal.Decimal
	Limit        decimal.Decimal
	Reservation  *Reservation
}

// Err returns the tagged error for a deny, nil when allowed.
func (d *Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Kind == opserr.KindSpendingLimitExceeded:
		return opserr.SpendingLimitExceeded(d.CurrentSpend, d.Limit)
	default:
		return opserr.RateLimitExceeded(d.RetryAfter)
	}
}

// Reservation is an admitted rate slot. It is returned to the window by
// Release unless the call was dispatched to the provider.
type Reservation struct {
	ID     string
	Caller string

	window RateWindow

	mu         sync.Mutex
	dispatched bool
	released   bool
}

// MarkDispatched pins the slot: the call reached the provider.
func (r *Reservation) MarkDispatched() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.dispatched = true
	r.mu.Unlock()
}

// Dispatched reports whether MarkDispatched was called.
func (r *Reservation) Dispatched() bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatched
}

// Release frees the slot if the call never reached the provider. It is safe
// to call more than once.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.dispatched || r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	r.mu.Unlock()
	return r.window.Release(ctx, r.Caller, r.ID)
}

// QuotaRemaining is what a caller may still spend in the current windows.
type QuotaRemaining struct {
	RequestsLeft     int             `json:"requests_left"`
	RequestLimit     int             `json:"request_limit"`
	RetryAfter       int             `json:"retry_after_seconds,omitempty"`
	CostLeft         decimal.Decimal `json:"cost_left"`
	CurrentSpend     decimal.Decimal `json:"current_spend"`
	HourlySpendLimit decimal.Decimal `json:"hourly_spending_limit"`
}

// QuotaGovernor enforces the per-caller request rate and hourly spend.
// Decisions for one caller are serialized; different callers never wait on each other.
type QuotaGovernor struct {
	cfg     QuotaConfig
	ledger  *UsageLedger
	window  RateWindow
	spend   *CacheAside
	signals SignalEmitter
	locks   *keyedMutex
	now     func() time.Time
}

// NewQuotaGovernor wires the governor to the ledger so every append updates
// the cached spend and can raise a SpendingLimitWarning.
func NewQuotaGovernor(cfg QuotaConfig, ledger *UsageLedger, window RateWindow, cache CounterCache, signals SignalEmitter) *QuotaGovernor {
	if cfg.SpendCacheTTL <= 0 {
		cfg.SpendCacheTTL = 30 * time.Second
	}
	g := &QuotaGovernor{
		cfg:     cfg,
		ledger:  ledger,
		window:  window,
		spend:   NewCacheAside(cache),
		signals: signals,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
	ledger.OnAppend(g.recordSpend)
	return g
}

// LedgerHistory adapts the ledger as a window rebuild source.
func LedgerHistory(ledger *UsageLedger) CallHistoryLoader {
	return ledger.CallTimesSince
}

func spendKey(caller string) string {
	return "spend:" + caller
}

// retryAfterFor returns whole seconds until oldest leaves the rate window, at least 1.
func retryAfterFor(oldest, now time.Time) time.Duration {
	if oldest.IsZero() {
		return time.Second
	}
	wait := oldest.Add(RateWindowDuration).Sub(now)
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// Authorize decides whether caller may make one provider call now. The rate
// gate is checked first; a spend deny does not consume a rate slot.
func (g *QuotaGovernor) Authorize(ctx context.Context, caller string) (*Decision, error) {
	unlock := g.locks.Lock(caller)
	defer unlock()

	now := g.now()
	limit := g.cfg.MaxRequestsPerMinute

	status, err := g.window.Peek(ctx, caller, now)
	if err != nil {
		return nil, fmt.Errorf("read rate window: %w", err)
	}
	if status.Count >= limit {
		return g.denyRate(caller, status, now), nil
	}

	spend, err := g.HourlySpend(ctx, caller)
	if err != nil {
		return nil, err
	}
	if spend.GreaterThanOrEqual(g.cfg.HourlySpendingLimit) {
		metrics.QuotaDecisions.WithLabelValues(string(opserr.KindSpendingLimitExceeded)).Inc()
		logger.Info().Str("caller", caller).Str("spend", spend.String()).
			Str("limit", g.cfg.HourlySpendingLimit.String()).Msg("[Quota] spending limit reached")
		return &Decision{
			Kind:         opserr.KindSpendingLimitExceeded,
			CurrentSpend: spend,
			Limit:        g.cfg.HourlySpendingLimit,
		}, nil
	}

	id := uuid.New().String()
	status, admitted, err := g.window.Reserve(ctx, caller, id, limit, now)
	if err != nil {
		return nil, err
	}
	if !admitted {
		// Another process took the last slot between Peek and Reserve.
		return g.denyRate(caller, status, now), nil
	}

	metrics.QuotaDecisions.WithLabelValues("allowed").Inc()
	return &Decision{
		Allowed:      true,
		CurrentSpend: spend,
		Limit:        g.cfg.HourlySpendingLimit,
		Reservation:  &Reservation{ID: id, Caller: caller, window: g.window},
	}, nil
}

func (g *QuotaGovernor) denyRate(caller string, status WindowStatus, now time.Time) *Decision {
	retryAfter := retryAfterFor(status.Oldest, now)
	metrics.QuotaDecisions.WithLabelValues(string(opserr.KindRateLimitExceeded)).Inc()
	logger.Info().Str("caller", caller).Int("in_window", status.Count).
		Dur("retry_after", retryAfter).Msg("[Quota] rate limit reached")
	return &Decision{
		Kind:       opserr.KindRateLimitExceeded,
		RetryAfter: retryAfter,
		Limit:      g.cfg.HourlySpendingLimit,
	}
}

// HourlySpend returns the caller's spend in the trailing hour. The value is
// cached for SpendCacheTTL and every ledger append is counted into it once,
// so it may over-count records that aged out since the last load but never
// under-counts.
func (g *QuotaGovernor) HourlySpend(ctx context.Context, caller string) (decimal.Decimal, error) {
	micros, err := g.spend.Get(ctx, spendKey(caller), g.cfg.SpendCacheTTL, func(ctx context.Context) ([]Contribution, error) {
		return g.ledger.CostsSince(ctx, caller, g.now().Add(-SpendWindowDuration))
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("load hourly spend: %w", err)
	}
	return models.MicrosToUSD(micros), nil
}

// Remaining reports what caller may still use in the current windows.
func (g *QuotaGovernor) Remaining(ctx context.Context, caller string) (*QuotaRemaining, error) {
	now := g.now()
	status, err := g.window.Peek(ctx, caller, now)
	if err != nil {
		return nil, fmt.Errorf("read rate window: %w", err)
	}
	spend, err := g.HourlySpend(ctx, caller)
	if err != nil {
		return nil, err
	}

	left := g.cfg.MaxRequestsPerMinute - status.Count
	if left < 0 {
		left = 0
	}
	costLeft := g.cfg.HourlySpendingLimit.Sub(spend)
	if costLeft.IsNegative() {
		costLeft = decimal.Zero
	}

	rem := &QuotaRemaining{
		RequestsLeft:     left,
		RequestLimit:     g.cfg.MaxRequestsPerMinute,
		CostLeft:         costLeft,
		CurrentSpend:     spend,
		HourlySpendLimit: g.cfg.HourlySpendingLimit,
	}
	if left == 0 {
		rem.RetryAfter = int(retryAfterFor(status.Oldest, now).Seconds())
	}
	return rem, nil
}

// recordSpend runs after every ledger append.
func (g *QuotaGovernor) recordSpend(ctx context.Context, rec *models.UsageRecord) {
	if rec.CostMicros <= 0 {
		return
	}
	key := spendKey(rec.Caller)
	if err := g.spend.Add(ctx, key, Contribution{ID: recordKey(rec.ID), Delta: rec.CostMicros}); err != nil {
		// A stale entry could under-count; drop it so the next read reloads.
		logger.Warnf("[Quota] Failed to update cached spend for %s: %v", rec.Caller, err)
		_ = g.spend.Invalidate(ctx, key)
	}

	spend, err := g.HourlySpend(ctx, rec.Caller)
	if err != nil {
		logger.Warnf("[Quota] Failed to read spend for %s: %v", rec.Caller, err)
		return
	}
	g.checkWarnings(rec.Caller, spend.Sub(rec.Cost()), spend)
}

// checkWarnings emits one SpendingLimitWarning per threshold crossed by the
// move from before to after.
func (g *QuotaGovernor) checkWarnings(caller string, before, after decimal.Decimal) {
	if g.signals == nil || !g.cfg.HourlySpendingLimit.IsPositive() {
		return
	}
	limit := g.cfg.HourlySpendingLimit
	for _, pct := range g.cfg.WarningThresholds {
		threshold := limit.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100))
		if before.LessThan(threshold) && after.GreaterThanOrEqual(threshold) {
			current, lim := after, limit
			g.signals.Emit(PipelineSignal{
				Kind:         SignalSpendingLimitWarning,
				Caller:       caller,
				CurrentSpend: &current,
				Limit:        &lim,
				Percentage:   pct,
			})
			metrics.SpendingWarnings.WithLabelValues(strconv.Itoa(pct)).Inc()
			logger.Warn().Str("caller", caller).Int("percentage", pct).
				Str("spend", after.String()).Msg("[Quota] spending warning threshold crossed")
		}
	}
}
