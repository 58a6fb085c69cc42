package services

import (
	"container/list"
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Contribution is one counted amount. ID identifies its source record so the
// same record is never counted twice.
type Contribution struct {
	ID    string
	Delta int64
}

func sumOf(contribs []Contribution) int64 {
	var total int64
	for _, c := range contribs {
		total += c.Delta
	}
	return total
}

// CounterCache is a TTL cache of int64 counters used only by the quota read paths.
type CounterCache interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	// Set replaces the entry with the sum of contribs and remembers their ids.
	Set(ctx context.Context, key string, contribs []Contribution, ttl time.Duration) error
	// Add counts c into a live entry unless its id was counted already. It
	// never creates an entry and leaves the expiry alone.
	Add(ctx context.Context, key string, c Contribution) error
	Delete(ctx context.Context, key string) error
}

// CacheAside loads counters through a CounterCache, deduplicating concurrent
// loads of the same key.
type CacheAside struct {
	cache CounterCache
	group singleflight.Group
}

func NewCacheAside(cache CounterCache) *CacheAside {
	return &CacheAside{cache: cache}
}

// Get returns the cached value for key or runs load and caches its result for ttl.
// A cache read failure falls through to load.
//
// An Add that lands between load and Set finds no entry, so load runs again
// after Set and its contributions are added by id. Ids already counted, by
// the first load or by an Add after Set, are skipped.
func (c *CacheAside) Get(ctx context.Context, key string, ttl time.Duration, load func(ctx context.Context) ([]Contribution, error)) (int64, error) {
	if v, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		contribs, err := load(ctx)
		if err != nil {
			return int64(0), err
		}
		if err := c.cache.Set(ctx, key, contribs, ttl); err != nil {
			return sumOf(contribs), nil
		}
		if again, err := load(ctx); err == nil {
			for _, contrib := range again {
				_ = c.cache.Add(ctx, key, contrib)
			}
		}
		if value, ok, err := c.cache.Get(ctx, key); err == nil && ok {
			return value, nil
		}
		return sumOf(contribs), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// Add counts contrib into a live counter.
func (c *CacheAside) Add(ctx context.Context, key string, contrib Contribution) error {
	return c.cache.Add(ctx, key, contrib)
}

func (c *CacheAside) Invalidate(ctx context.Context, key string) error {
	return c.cache.Delete(ctx, key)
}

// --- in-process implementation ---

type counterEntry struct {
	key       string
	value     int64
	counted   map[string]struct{}
	expiresAt time.Time
}

// MemoryCounterCache is an LRU of counters with per-entry expiry.
type MemoryCounterCache struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List
	items   map[string]*list.Element
	now     func() time.Time
}

func NewMemoryCounterCache(maxSize int) *MemoryCounterCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryCounterCache{
		maxSize: maxSize,
		order:   list.New(),
		items:   make(map[string]*list.Element, maxSize),
		now:     time.Now,
	}
}

func (c *MemoryCounterCache) Get(_ context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.live(key)
	if !ok {
		return 0, false, nil
	}
	c.order.MoveToFront(element)
	return element.Value.(*counterEntry).value, true, nil
}

func (c *MemoryCounterCache) Set(_ context.Context, key string, contribs []Contribution, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent := &counterEntry{key: key, counted: make(map[string]struct{}, len(contribs)), expiresAt: c.now().Add(ttl)}
	for _, contrib := range contribs {
		if _, dup := ent.counted[contrib.ID]; dup {
			continue
		}
		ent.counted[contrib.ID] = struct{}{}
		ent.value += contrib.Delta
	}

	if element, ok := c.items[key]; ok {
		element.Value = ent
		c.order.MoveToFront(element)
		return nil
	}

	element := c.order.PushFront(ent)
	c.items[key] = element
	for len(c.items) > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

func (c *MemoryCounterCache) Add(_ context.Context, key string, contrib Contribution) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.live(key)
	if !ok {
		return nil
	}
	ent := element.Value.(*counterEntry)
	if _, dup := ent.counted[contrib.ID]; dup {
		return nil
	}
	ent.counted[contrib.ID] = struct{}{}
	ent.value += contrib.Delta
	return nil
}

func (c *MemoryCounterCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		c.remove(element)
	}
	return nil
}

func (c *MemoryCounterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// live returns the element for key, dropping it if expired. Caller holds mu.
func (c *MemoryCounterCache) live(key string) (*list.Element, bool) {
	element, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(element.Value.(*counterEntry).expiresAt) {
		c.remove(element)
		return nil, false
	}
	return element, true
}

func (c *MemoryCounterCache) remove(element *list.Element) {
	if element == nil {
		return
	}
	c.order.Remove(element)
	delete(c.items, element.Value.(*counterEntry).key)
}

// --- Redis implementation ---

// The counter lives at key and the ids it counted in a set at key:ids with the
// same expiry.
var setCounterScript = redis.NewScript(`
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[1])
for i = 3, #ARGV do
  redis.call('SADD', KEYS[2], ARGV[i])
end
if #ARGV >= 3 then
  redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
return 1
`)

var addContributionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('SADD', KEYS[2], ARGV[1]) == 0 then
  return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
redis.call('INCRBY', KEYS[1], ARGV[2])
return 1
`)

// RedisCounterCache shares counters between processes.
type RedisCounterCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounterCache(client redis.UniversalClient, prefix string) *RedisCounterCache {
	return &RedisCounterCache{client: client, prefix: prefix}
}

func (c *RedisCounterCache) keys(key string) []string {
	return []string{c.prefix + key, c.prefix + key + ":ids"}
}

func (c *RedisCounterCache) Get(ctx context.Context, key string) (int64, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (c *RedisCounterCache) Set(ctx context.Context, key string, contribs []Contribution, ttl time.Duration) error {
	seen := make(map[string]struct{}, len(contribs))
	var total int64
	args := make([]interface{}, 0, len(contribs)+2)
	args = append(args, ttl.Milliseconds(), int64(0))
	for _, contrib := range contribs {
		if _, dup := seen[contrib.ID]; dup {
			continue
		}
		seen[contrib.ID] = struct{}{}
		total += contrib.Delta
		args = append(args, contrib.ID)
	}
	args[1] = total
	return setCounterScript.Run(ctx, c.client, c.keys(key), args...).Err()
}

func (c *RedisCounterCache) Add(ctx context.Context, key string, contrib Contribution) error {
	return addContributionScript.Run(ctx, c.client, c.keys(key), contrib.ID, contrib.Delta).Err()
}

func (c *RedisCounterCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.keys(key)...).Err()
}
