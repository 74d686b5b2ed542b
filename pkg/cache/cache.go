// Package cache keeps recently read blobs in memory so aggregators do not
// refetch shards for hot content.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/jacktea/xblob/pkg/blob"
	"github.com/jacktea/xblob/pkg/metrics"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Size      int   // Current number of entries
	Capacity  int   // Maximum capacity
	Evictions int64 // Number of entries dropped for any reason
	Skipped   int64 // Blobs too large to cache
}

// Cache is a threadsafe LRU of reconstructed blobs with TTL support.
// Blobs are immutable, so entries never need invalidation except when a
// blob is deleted or expires from the lifecycle table.
type Cache struct {
	lru      *expirable.LRU[blob.Fingerprint, []byte]
	capacity int
	maxEntry int64
	metrics  *metrics.Metrics

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	skipped   atomic.Int64
}

// New returns a cache holding up to capacity blobs for ttl each. Blobs
// larger than maxEntry bytes are not cached; zero means no limit.
func New(capacity int, ttl time.Duration, maxEntry int64, m *metrics.Metrics) *Cache {
	if capacity <= 0 {
		capacity = 1024
	}
	if m == nil {
		m = metrics.New(nil)
	}
	c := &Cache{capacity: capacity, maxEntry: maxEntry, metrics: m}
	c.lru = expirable.NewLRU[blob.Fingerprint, []byte](capacity, func(blob.Fingerprint, []byte) {
		c.evictions.Add(1)
	}, ttl)
	return c
}

// Get returns the cached blob. The slice is shared and must not be
// modified.
func (c *Cache) Get(fp blob.Fingerprint) ([]byte, bool) {
	data, ok := c.lru.Get(fp)
	if ok {
		c.hits.Add(1)
		c.metrics.Cache.WithLabelValues("hit").Inc()
		return data, true
	}
	c.misses.Add(1)
	c.metrics.Cache.WithLabelValues("miss").Inc()
	return nil, false
}

// Add caches data under fp and reports whether it was stored.
func (c *Cache) Add(fp blob.Fingerprint, data []byte) bool {
	if c.maxEntry > 0 && int64(len(data)) > c.maxEntry {
		c.skipped.Add(1)
		return false
	}
	c.lru.Add(fp, data)
	return true
}

// Remove drops fp.
func (c *Cache) Remove(fp blob.Fingerprint) {
	c.lru.Remove(fp)
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached blobs.
func (c *Cache) Len() int { return c.lru.Len() }

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Size:      c.lru.Len(),
		Capacity:  c.capacity,
		Evictions: c.evictions.Load(),
		Skipped:   c.skipped.Load(),
	}
}
