package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowStatus describes a caller's admitted calls inside the rate window.
type WindowStatus struct {
	Count  int
	Oldest time.Time // zero when Count is 0
}

// RateWindow counts admitted calls per caller over a sliding window. Reserve
// must be an atomic check-and-add.
type RateWindow interface {
	Peek(ctx context.Context, caller string, now time.Time) (WindowStatus, error)
	// Reserve admits id when fewer than limit calls are in the window. It
	// returns the status after the attempt and whether id was admitted.
	Reserve(ctx context.Context, caller, id string, limit int, now time.Time) (WindowStatus, bool, error)
	Release(ctx context.Context, caller, id string) error
}

// CallHistoryLoader returns admission times of calls after since; used to
// rebuild window state the process does not hold yet.
type CallHistoryLoader func(ctx context.Context, caller string, since time.Time) ([]time.Time, error)

type admittedCall struct {
	id string
	at time.Time
}

type callerWindow struct {
	mu     sync.Mutex
	loaded bool
	calls  []admittedCall // oldest first
}

// MemoryRateWindow keeps per-caller windows in process memory.
type MemoryRateWindow struct {
	window time.Duration
	load   CallHistoryLoader

	mu      sync.Mutex
	callers map[string]*callerWindow
}

func NewMemoryRateWindow(window time.Duration, load CallHistoryLoader) *MemoryRateWindow {
	return &MemoryRateWindow{
		window:  window,
		load:    load,
		callers: make(map[string]*callerWindow),
	}
}

func (w *MemoryRateWindow) get(caller string) *callerWindow {
	w.mu.Lock()
	defer w.mu.Unlock()
	cw, ok := w.callers[caller]
	if !ok {
		cw = &callerWindow{}
		w.callers[caller] = cw
	}
	return cw
}

// prepare loads history on first use and drops expired calls. Caller holds cw.mu.
func (w *MemoryRateWindow) prepare(ctx context.Context, caller string, cw *callerWindow, now time.Time) error {
	if !cw.loaded {
		if w.load != nil {
			times, err := w.load(ctx, caller, now.Add(-w.window))
			if err != nil {
				return err
			}
			for i, at := range times {
				cw.calls = append(cw.calls, admittedCall{id: "ledger:" + strconv.Itoa(i), at: at})
			}
		}
		cw.loaded = true
	}

	cutoff := now.Add(-w.window)
	keep := 0
	for keep < len(cw.calls) && !cw.calls[keep].at.After(cutoff) {
		keep++
	}
	if keep > 0 {
		cw.calls = append(cw.calls[:0], cw.calls[keep:]...)
	}
	return nil
}

func statusOf(cw *callerWindow) WindowStatus {
	st := WindowStatus{Count: len(cw.calls)}
	if len(cw.calls) > 0 {
		st.Oldest = cw.calls[0].at
	}
	return st
}

func (w *MemoryRateWindow) Peek(ctx context.Context, caller string, now time.Time) (WindowStatus, error) {
	cw := w.get(caller)
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := w.prepare(ctx, caller, cw, now); err != nil {
		return WindowStatus{}, err
	}
	return statusOf(cw), nil
}

func (w *MemoryRateWindow) Reserve(ctx context.Context, caller, id string, limit int, now time.Time) (WindowStatus, bool, error) {
	cw := w.get(caller)
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := w.prepare(ctx, caller, cw, now); err != nil {
		return WindowStatus{}, false, err
	}
	if len(cw.calls) >= limit {
		return statusOf(cw), false, nil
	}
	// Keep the slice ordered even if the clock is not monotonic across callers of Reserve.
	pos := len(cw.calls)
	for pos > 0 && cw.calls[pos-1].at.After(now) {
		pos--
	}
	cw.calls = append(cw.calls, admittedCall{})
	copy(cw.calls[pos+1:], cw.calls[pos:])
	cw.calls[pos] = admittedCall{id: id, at: now}
	return statusOf(cw), true, nil
}

func (w *MemoryRateWindow) Release(_ context.Context, caller, id string) error {
	cw := w.get(caller)
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for i, c := range cw.calls {
		if c.id == id {
			cw.calls = append(cw.calls[:i], cw.calls[i+1:]...)
			break
		}
	}
	return nil
}

// Sweep forgets callers with no call inside the window. It returns how many were dropped.
func (w *MemoryRateWindow) Sweep(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.window)
	dropped := 0
	for caller, cw := range w.callers {
		if !cw.mu.TryLock() {
			continue
		}
		idle := cw.loaded && (len(cw.calls) == 0 || !cw.calls[len(cw.calls)-1].at.After(cutoff))
		cw.mu.Unlock()
		if idle {
			delete(w.callers, caller)
			dropped++
		}
	}
	return dropped
}

// Callers returns the number of callers currently tracked.
func (w *MemoryRateWindow) Callers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.callers)
}

// --- Redis implementation ---

// Scores are unix milliseconds; members are reservation ids.
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, oldest[2] or '0'}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + 1, oldest[2] or '0'}
`)

// RedisRateWindow shares the window between processes through a sorted set per caller.
type RedisRateWindow struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
	load   CallHistoryLoader
}

func NewRedisRateWindow(client redis.UniversalClient, window time.Duration, prefix string, load CallHistoryLoader) *RedisRateWindow {
	return &RedisRateWindow{client: client, window: window, prefix: prefix, load: load}
}

func (w *RedisRateWindow) key(caller string) string {
	return w.prefix + "rate:" + caller
}

// seed rebuilds a missing key from history. Member names are derived from
// the call time so concurrent seeders write the same members.
func (w *RedisRateWindow) seed(ctx context.Context, caller string, now time.Time) error {
	if w.load == nil {
		return nil
	}
	key := w.key(caller)
	exists, err := w.client.Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if exists == 1 {
		return nil
	}
	times, err := w.load(ctx, caller, now.Add(-w.window))
	if err != nil || len(times) == 0 {
		return err
	}
	members := make([]redis.Z, 0, len(times))
	for _, at := range times {
		members = append(members, redis.Z{Score: float64(at.UnixMilli()), Member: "ledger:" + strconv.FormatInt(at.UnixNano(), 10)})
	}
	pipe := w.client.TxPipeline()
	pipe.ZAddNX(ctx, key, members...)
	pipe.PExpire(ctx, key, w.window)
	_, err = pipe.Exec(ctx)
	return err
}

func (w *RedisRateWindow) Peek(ctx context.Context, caller string, now time.Time) (WindowStatus, error) {
	if err := w.seed(ctx, caller, now); err != nil {
		return WindowStatus{}, err
	}
	key := w.key(caller)
	min := "(" + strconv.FormatInt(now.Add(-w.window).UnixMilli(), 10)

	pipe := w.client.Pipeline()
	countCmd := pipe.ZCount(ctx, key, min, "+inf")
	oldestCmd := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: min, Max: "+inf", Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return WindowStatus{}, err
	}

	st := WindowStatus{Count: int(countCmd.Val())}
	if zs := oldestCmd.Val(); len(zs) > 0 {
		st.Oldest = time.UnixMilli(int64(zs[0].Score))
	}
	return st, nil
}

func (w *RedisRateWindow) Reserve(ctx context.Context, caller, id string, limit int, now time.Time) (WindowStatus, bool, error) {
	if err := w.seed(ctx, caller, now); err != nil {
		return WindowStatus{}, false, err
	}
	res, err := reserveScript.Run(ctx, w.client, []string{w.key(caller)},
		now.UnixMilli(), w.window.Milliseconds(), limit, id).Slice()
	if err != nil {
		return WindowStatus{}, false, fmt.Errorf("reserve rate slot: %w", err)
	}
	if len(res) != 3 {
		return WindowStatus{}, false, fmt.Errorf("reserve rate slot: unexpected reply %v", res)
	}

	admitted := toInt64(res[0]) == 1
	st := WindowStatus{Count: int(toInt64(res[1]))}
	if oldest := toInt64(res[2]); oldest > 0 {
		st.Oldest = time.UnixMilli(oldest)
	}
	return st, admitted, nil
}

func (w *RedisRateWindow) Release(ctx context.Context, caller, id string) error {
	return w.client.ZRem(ctx, w.key(caller), id).Err()
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return int64(f)
	default:
		return 0
	}
}
