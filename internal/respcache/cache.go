// Package respcache provides a bounded LRU cache for AI responses with
// two-tier expiry: entries are fresh until ttl, then served as stale until
// staleTTL, then purged on the next read.
package respcache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/example/aigate/internal/config"
)

type entry[V any] struct {
	value       V
	storedAt    time.Time
	size        int
	accessCount int
}

// Cache is a thread-safe LRU cache keyed by xxhash of the caller's key
// string. Keys of arbitrary length hash to a fixed 8 bytes; hash
// collisions are accepted as a trade-off and surface as false-positive
// hits.
type Cache[V any] struct {
	mu       sync.Mutex
	lru      *lru.Cache[uint64, *entry[V]]
	maxSize  int
	ttl      time.Duration
	staleTTL time.Duration

	hits       int64
	misses     int64
	staleHits  int64
	evictions  int64
	totalBytes int64
}

// New creates a cache from config.
func New[V any](cfg config.CacheConfig) *Cache[V] {
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 50
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	staleTTL := cfg.StaleTTL
	if staleTTL < ttl {
		staleTTL = 3 * ttl
	}

	c := &Cache[V]{
		maxSize:  maxSize,
		ttl:      ttl,
		staleTTL: staleTTL,
	}
	// The eviction callback fires for capacity evictions and explicit
	// removals alike; it only maintains byte accounting. Capacity
	// evictions are counted separately in Set.
	c.lru, _ = lru.NewWithEvict(maxSize, func(key uint64, e *entry[V]) {
		c.totalBytes -= int64(e.size)
	})
	return c
}

// Set stores a value under key. An existing entry is replaced and the new
// entry is fresh for both LRU ordering and TTL purposes. Inserting at
// capacity evicts the least recently used entry.
func (c *Cache[V]) Set(key string, value V) {
	h := hashKey(key)
	size := estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(h) {
		c.lru.Remove(h)
	}

	evicted := c.lru.Add(h, &entry[V]{
		value:    value,
		storedAt: time.Now(),
		size:     size,
	})
	if evicted {
		c.evictions++
	}
	c.totalBytes += int64(size)
}

// Get returns the cached value for key and whether it is stale. An entry
// past its fresh ttl but within staleTTL is returned with stale=true; an
// entry past staleTTL is purged and treated as a miss. A hit moves the
// entry to the most recently used position.
func (c *Cache[V]) Get(key string) (value V, stale bool, ok bool) {
	h := hashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.lru.Get(h)
	if !found {
		c.misses++
		return value, false, false
	}

	age := time.Since(e.storedAt)
	if age > c.staleTTL {
		c.lru.Remove(h)
		c.misses++
		return value, false, false
	}

	e.accessCount++
	c.hits++
	if age > c.ttl {
		c.staleHits++
		return e.value, true, true
	}
	return e.value, false, true
}

// Has reports whether key is resident and within staleTTL, without
// touching LRU ordering or hit/miss counters.
func (c *Cache[V]) Has(key string) bool {
	h := hashKey(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, found := c.lru.Peek(h)
	if !found {
		return false
	}
	return time.Since(e.storedAt) <= c.staleTTL
}

// Delete removes key from the cache.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(hashKey(key))
}

// Purge removes all entries.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Metrics contains cache statistics.
type Metrics struct {
	Size             int     `json:"size"`
	MaxSize          int     `json:"max_size"`
	HitCount         int64   `json:"hit_count"`
	MissCount        int64   `json:"miss_count"`
	HitRate          float64 `json:"hit_rate"`
	EvictionCount    int64   `json:"eviction_count"`
	StaleHitCount    int64   `json:"stale_hit_count"`
	TotalBytesStored int64   `json:"total_bytes_stored"`
}

// Metrics returns a point-in-time view of cache statistics.
func (c *Cache[V]) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	var hitRate float64
	if total := c.hits + c.misses; total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Metrics{
		Size:             c.lru.Len(),
		MaxSize:          c.maxSize,
		HitCount:         c.hits,
		MissCount:        c.misses,
		HitRate:          hitRate,
		EvictionCount:    c.evictions,
		StaleHitCount:    c.staleHits,
		TotalBytesStored: c.totalBytes,
	}
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// estimateSize approximates the serialized byte size of a value for
// aggregate accounting. It is not enforced as a memory cap.
func estimateSize(value any) int {
	b, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return len(b)
}
