// Package ttlcache implements a bounded document cache with per-entry expiry.
//
// Capacity eviction is insertion-ordered: when a new key is added to a full
// cache the oldest-inserted entry is dropped. Reads do not refresh an entry's
// position, so eviction stays O(1) without access bookkeeping.
package ttlcache

import (
	"errors"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/birrpay/quotacache/internal/stats"
	"github.com/birrpay/quotacache/internal/store"
)

// DefaultTTL is used when a non-positive TTL is configured.
const DefaultTTL = 5 * time.Minute

// ErrInvalidCapacity is returned by New for a non-positive capacity.
var ErrInvalidCapacity = errors.New("ttlcache: capacity must be positive")

type entry struct {
	value      store.Document
	insertedAt time.Time
	ttl        time.Duration
}

func (e *entry) stale(now time.Time) bool {
	return now.Sub(e.insertedAt) > e.ttl
}

// Stats contains cache statistics.
type Stats struct {
	Hits        int64
	Misses      int64
	Size        int // Current number of entries
	Capacity    int
	Evictions   int64 // Entries dropped to make room
	Expirations int64 // Stale entries removed on read or sweep
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Cache is a thread-safe TTL cache of documents.
type Cache struct {
	mu         sync.Mutex
	items      *simplelru.LRU[string, *entry]
	capacity   int
	defaultTTL time.Duration
	clock      clock.Clock
	collector  stats.Collector

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for expiry. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// WithCollector sets the metrics collector.
func WithCollector(c stats.Collector) Option {
	return func(cache *Cache) {
		if c != nil {
			cache.collector = c
		}
	}
}

// New creates a cache holding at most capacity entries.
func New(capacity int, defaultTTL time.Duration, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	items, err := simplelru.NewLRU[string, *entry](capacity, nil)
	if err != nil {
		return nil, err
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}

	c := &Cache{
		items:      items,
		capacity:   capacity,
		defaultTTL: defaultTTL,
		clock:      clock.New(),
		collector:  stats.NewNoop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the value for key. Stale entries count as misses and are removed.
func (c *Cache) Get(key string) (store.Document, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.items.Peek(key)
	if ok && e.stale(now) {
		c.items.Remove(key)
		c.expirations++
		ok = false
	}
	if !ok {
		c.misses++
		size := c.items.Len()
		c.mu.Unlock()
		c.collector.IncCounter(stats.MetricCacheMisses, 1)
		c.collector.SetGauge(stats.MetricCacheSize, int64(size))
		return nil, false
	}
	c.hits++
	c.mu.Unlock()

	c.collector.IncCounter(stats.MetricCacheHits, 1)
	return e.value, true
}

// Peek returns a fresh value for key without counting a hit or miss.
func (c *Cache) Peek(key string) (store.Document, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items.Peek(key)
	if !ok || e.stale(now) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value store.Document) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key with the given TTL.
// A non-positive ttl falls back to the default.
func (c *Cache) SetWithTTL(key string, value store.Document, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := &entry{value: value, insertedAt: c.clock.Now(), ttl: ttl}

	c.mu.Lock()
	evicted := c.items.Add(key, e)
	if evicted {
		c.evictions++
	}
	size := c.items.Len()
	c.mu.Unlock()

	if evicted {
		c.collector.IncCounter(stats.MetricCacheEvictions, 1)
	}
	c.collector.SetGauge(stats.MetricCacheSize, int64(size))
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	c.items.Remove(key)
	c.mu.Unlock()
}

// Sweep removes every stale entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	removed := 0
	for _, key := range c.items.Keys() {
		if e, ok := c.items.Peek(key); ok && e.stale(now) {
			c.items.Remove(key)
			removed++
		}
	}
	c.expirations += int64(removed)
	size := c.items.Len()
	c.mu.Unlock()

	c.collector.IncCounter(stats.MetricCacheExpirations, int64(removed))
	c.collector.SetGauge(stats.MetricCacheSize, int64(size))
	return removed
}

// EvictOldest drops up to n of the oldest-inserted entries and returns the number dropped.
func (c *Cache) EvictOldest(n int) int {
	c.mu.Lock()
	dropped := 0
	for dropped < n {
		if _, _, ok := c.items.RemoveOldest(); !ok {
			break
		}
		dropped++
	}
	c.evictions += int64(dropped)
	size := c.items.Len()
	c.mu.Unlock()

	c.collector.IncCounter(stats.MetricCacheEvictions, int64(dropped))
	c.collector.SetGauge(stats.MetricCacheSize, int64(size))
	return dropped
}

// Clear removes all entries. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.items.Purge()
	c.mu.Unlock()
	c.collector.SetGauge(stats.MetricCacheSize, 0)
}

// Len returns the number of entries, including stale ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}

// DefaultTTL returns the TTL applied by Set.
func (c *Cache) DefaultTTL() time.Duration {
	return c.defaultTTL
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Size:        c.items.Len(),
		Capacity:    c.capacity,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
}
