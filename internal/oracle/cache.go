package oracle

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/groupcache/lru"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// DefaultCacheSize bounds the number of feeds kept in memory.
const DefaultCacheSize = 1000

// Cache keeps recently resolved prices in least-recently-used order.
// The lock is held only for map operations, never across a resolver call.
type Cache struct {
	mu         sync.Mutex
	size       int
	entries    *lru.Cache
	lastUpdate time.Time
	updates    uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	faults    atomic.Uint64

	clock  clock.Clock
	logger zerolog.Logger
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Size       int       `json:"size"`
	Capacity   int       `json:"capacity"`
	Hits       uint64    `json:"hits"`
	Misses     uint64    `json:"misses"`
	Evictions  uint64    `json:"evictions"`
	Faults     uint64    `json:"faults"`
	Updates    uint64    `json:"updates"`
	LastUpdate time.Time `json:"last_update"`
}

// NewCache builds a cache holding at most size feeds.
func NewCache(size int, clk clock.Clock, logger zerolog.Logger) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if clk == nil {
		clk = clock.New()
	}
	c := &Cache{
		size:   size,
		clock:  clk,
		logger: logger.With().Str("component", "oracle_cache").Logger(),
	}
	c.entries = c.newLRU()
	return c
}

func (c *Cache) newLRU() *lru.Cache {
	return lru.New(c.size)
}

// guard runs fn under the lock. A panic inside fn resets the cache to
// empty and reports false so callers fall back to a miss.
func (c *Cache) guard(fn func()) (ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			c.faults.Inc()
			c.entries = c.newLRU()
			c.logger.Error().Interface("panic", r).Msg("oracle cache fault; cache reset")
			ok = false
		}
	}()
	fn()
	return true
}

// Get returns the cached price and marks it most recently used.
func (c *Cache) Get(id FeedID) (PriceData, bool) {
	var (
		price PriceData
		found bool
	)
	healthy := c.guard(func() {
		if v, ok := c.entries.Get(id); ok {
			price, found = v.(PriceData)
		}
	})
	if healthy && found {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return price, found
}

// Put stores a freshly resolved price.
func (c *Cache) Put(id FeedID, price PriceData) {
	c.guard(func() {
		// OnEvicted also fires for Remove and Clear, so capacity evictions
		// are detected from the length instead.
		_, present := c.entries.Get(id)
		before := c.entries.Len()
		c.entries.Add(id, price)
		if !present && c.entries.Len() == before {
			c.evictions.Inc()
		}
		c.updates++
	})
}

// Remove drops a feed.
func (c *Cache) Remove(id FeedID) {
	c.guard(func() { c.entries.Remove(id) })
}

// Len reports the number of cached feeds.
func (c *Cache) Len() int {
	var n int
	c.guard(func() { n = c.entries.Len() })
	return n
}

// Purge empties the cache without touching counters.
func (c *Cache) Purge() {
	c.guard(func() { c.entries.Clear() })
}

// MarkRefreshed records a completed refresh at the current time.
func (c *Cache) MarkRefreshed() {
	now := c.clock.Now()
	c.guard(func() { c.lastUpdate = now })
}

// LastUpdate returns when the cache was last refreshed.
func (c *Cache) LastUpdate() time.Time {
	var t time.Time
	c.guard(func() { t = c.lastUpdate })
	return t
}

// DueForRefresh reports whether more than interval has passed since the last refresh.
func (c *Cache) DueForRefresh(interval time.Duration) bool {
	last := c.LastUpdate()
	if last.IsZero() {
		return true
	}
	return c.clock.Since(last) > interval
}

// Stats snapshots the counters.
func (c *Cache) Stats() CacheStats {
	stats := CacheStats{
		Capacity:  c.size,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Faults:    c.faults.Load(),
	}
	c.guard(func() {
		stats.Size = c.entries.Len()
		stats.Updates = c.updates
		stats.LastUpdate = c.lastUpdate
	})
	return stats
}
