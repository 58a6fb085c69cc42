package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func contribs(deltas ...int64) []Contribution {
	out := make([]Contribution, len(deltas))
	for i, d := range deltas {
		out[i] = Contribution{ID: recordKey(uint(i + 1)), Delta: d}
	}
	return out
}

func TestMemoryCounterCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := NewMemoryCounterCache(2)
	c.now = clock.Now

	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatal("empty cache should miss")
	}

	c.Add(ctx, "a", Contribution{ID: "9", Delta: 5})
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("Add must not create an entry")
	}

	c.Set(ctx, "a", contribs(4, 6), 30*time.Second)
	c.Add(ctx, "a", Contribution{ID: "3", Delta: 5})
	c.Add(ctx, "a", Contribution{ID: "3", Delta: 5})
	c.Add(ctx, "a", Contribution{ID: "1", Delta: 4})
	if v, ok, _ := c.Get(ctx, "a"); !ok || v != 15 {
		t.Errorf("Get(a) = %d, %v; expected 15, true", v, ok)
	}

	clock.Advance(30 * time.Second)
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("entry should expire after its ttl")
	}
}

func TestMemoryCounterCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounterCache(2)

	c.Set(ctx, "a", contribs(1), time.Minute)
	c.Set(ctx, "b", contribs(2), time.Minute)
	c.Get(ctx, "a")
	c.Set(ctx, "c", contribs(3), time.Minute)

	if c.Len() != 2 {
		t.Errorf("Len = %d, expected 2", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok, _ := c.Get(ctx, "a"); !ok {
		t.Error("a was used recently and should be kept")
	}

	c.Delete(ctx, "a")
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("a should be gone after Delete")
	}
}

func TestRedisCounterCache(t *testing.T) {
	mr, client := setupMiniredis(t)
	ctx := context.Background()
	c := NewRedisCounterCache(client, "test:")

	if _, ok, err := c.Get(ctx, "a"); err != nil || ok {
		t.Fatalf("Get on empty = %v, %v; expected miss without error", ok, err)
	}
	if err := c.Add(ctx, "a", Contribution{ID: "9", Delta: 5}); err != nil {
		t.Fatalf("Add on missing key returned error: %v", err)
	}
	if mr.Exists("test:a") || mr.Exists("test:a:ids") {
		t.Error("Add must not create the key")
	}

	if err := c.Set(ctx, "a", contribs(4, 6), 30*time.Second); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	c.Add(ctx, "a", Contribution{ID: "3", Delta: 7})
	c.Add(ctx, "a", Contribution{ID: "3", Delta: 7})
	c.Add(ctx, "a", Contribution{ID: "2", Delta: 6})
	if v, ok, _ := c.Get(ctx, "a"); !ok || v != 17 {
		t.Errorf("Get(a) = %d, %v; expected 17, true", v, ok)
	}

	mr.FastForward(31 * time.Second)
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Error("key should expire after its ttl")
	}
	if mr.Exists("test:a:ids") {
		t.Error("id set should expire with the counter")
	}
}

func TestCacheAside_LoadsOnMissOnly(t *testing.T) {
	ctx := context.Background()
	ca := NewCacheAside(NewMemoryCounterCache(10))

	var loads atomic.Int32
	load := func(ctx context.Context) ([]Contribution, error) {
		loads.Add(1)
		return contribs(40, 2), nil
	}

	for i := 0; i < 3; i++ {
		v, err := ca.Get(ctx, "k", time.Minute, load)
		if err != nil || v != 42 {
			t.Fatalf("Get = %d, %v; expected 42", v, err)
		}
	}
	// The first miss loads twice to pick up appends that raced the first load.
	if got := loads.Load(); got != 2 {
		t.Errorf("loads = %d, expected 2", got)
	}

	ca.Invalidate(ctx, "k")
	ca.Get(ctx, "k", time.Minute, load)
	if got := loads.Load(); got != 4 {
		t.Errorf("loads after invalidate = %d, expected 4", got)
	}
}

func TestCacheAside_PicksUpAppendBeforeSet(t *testing.T) {
	ctx := context.Background()
	ca := NewCacheAside(NewMemoryCounterCache(10))

	// The append of record 2 commits after the first load, and its Add runs
	// before Set, so it only shows up in the second load.
	ledger := [][]Contribution{contribs(100), contribs(100, 50)}
	var n int
	v, err := ca.Get(ctx, "k", time.Minute, func(ctx context.Context) ([]Contribution, error) {
		if n == 0 {
			ca.Add(ctx, "k", Contribution{ID: "2", Delta: 50})
		}
		val := ledger[n]
		n++
		return val, nil
	})
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if v != 150 {
		t.Errorf("Get = %d, expected 150", v)
	}

	ca.Add(ctx, "k", Contribution{ID: "3", Delta: 10})
	v, _ = ca.Get(ctx, "k", time.Minute, nil)
	if v != 160 {
		t.Errorf("cached value = %d, expected 160", v)
	}
}

func TestCacheAside_AppendBetweenSetAndReloadCountedOnce(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cache func(t *testing.T) CounterCache
	}{
		{"memory", func(t *testing.T) CounterCache { return NewMemoryCounterCache(10) }},
		{"redis", func(t *testing.T) CounterCache {
			_, client := setupMiniredis(t)
			return NewRedisCounterCache(client, "test:")
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			ca := NewCacheAside(tc.cache(t))

			// Record 2 lands after Set: its listener Add hits the live entry
			// and the second load sees it too.
			var n int
			v, err := ca.Get(ctx, "k", time.Minute, func(ctx context.Context) ([]Contribution, error) {
				n++
				if n == 1 {
					return contribs(100), nil
				}
				ca.Add(ctx, "k", Contribution{ID: recordKey(2), Delta: 50})
				return contribs(100, 50), nil
			})
			if err != nil {
				t.Fatalf("Get returned error: %v", err)
			}
			if v != 150 {
				t.Errorf("Get = %d, expected 150", v)
			}
			if cached, _ := ca.Get(ctx, "k", time.Minute, nil); cached != 150 {
				t.Errorf("cached spend = %d, expected the ledger total 150", cached)
			}
		})
	}
}

func TestCacheAside_LoadError(t *testing.T) {
	ctx := context.Background()
	ca := NewCacheAside(NewMemoryCounterCache(10))
	boom := errors.New("db down")

	if _, err := ca.Get(ctx, "k", time.Minute, func(ctx context.Context) ([]Contribution, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("error = %v, expected %v", err, boom)
	}
}

func TestCacheAside_ConcurrentMissesShareLoad(t *testing.T) {
	ctx := context.Background()
	ca := NewCacheAside(NewMemoryCounterCache(10))

	release := make(chan struct{})
	var loads atomic.Int32
	load := func(ctx context.Context) ([]Contribution, error) {
		if loads.Add(1) == 1 {
			<-release
		}
		return contribs(7), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, _ := ca.Get(ctx, "k", time.Minute, load); v != 7 {
				t.Errorf("Get = %d, expected 7", v)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := loads.Load(); got > 2 {
		t.Errorf("loads = %d, expected concurrent misses to share one load", got)
	}
}

func TestQuotaGovernor_RedisBackends(t *testing.T) {
	_, client := setupMiniredis(t)
	f := newGovernorFixture(t, 10, "5.00")
	g := NewQuotaGovernor(f.governor.cfg, f.ledger,
		NewRedisRateWindow(client, RateWindowDuration, "test:", LedgerHistory(f.ledger)),
		NewRedisCounterCache(client, "test:"), f.signals)
	g.now = f.clock.Now
	ctx := context.Background()

	allowed := 0
	for i := 0; i < 15; i++ {
		d, err := g.Authorize(ctx, "c1")
		if err != nil {
			t.Fatalf("Authorize returned error: %v", err)
		}
		if d.Allowed {
			allowed++
		}
	}
	if allowed != 10 {
		t.Errorf("allowed = %d, expected 10", allowed)
	}

	appendUsage(t, f.ledger, "c2", "0.40", f.clock.Now())
	spend, err := g.HourlySpend(ctx, "c2")
	if err != nil {
		t.Fatalf("HourlySpend returned error: %v", err)
	}
	if spend.String() != "0.4" {
		t.Errorf("spend = %s, expected 0.4", spend)
	}
}
