package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// ShardedPriceCache is the mark-price cache PositionMonitor's SL/TP
// evaluation reads through and /status reports as its "prices" field. Sharded by symbol
// so a busy symbol's writer never blocks a reader on an unrelated one.
type ShardedPriceCache struct {
	shards [numShards]*markShard
}

type markShard struct {
	mu    sync.RWMutex
	marks map[string]markEntry
}

type markEntry struct {
	price     float64
	updatedAt time.Time
}

// NewShardedPriceCache builds an empty mark-price cache.
func NewShardedPriceCache() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &markShard{
			marks: make(map[string]markEntry),
		}
	}
	return c
}

// shardFor returns the shard owning symbol.
func (c *ShardedPriceCache) shardFor(symbol string) *markShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// Set records the latest mark price seen for symbol.
func (c *ShardedPriceCache) Set(symbol string, price float64) {
	shard := c.shardFor(symbol)
	shard.mu.Lock()
	shard.marks[symbol] = markEntry{
		price:     price,
		updatedAt: time.Now(),
	}
	shard.mu.Unlock()
}

// Get returns the last mark price recorded for symbol, if any.
func (c *ShardedPriceCache) Get(symbol string) (float64, bool) {
	shard := c.shardFor(symbol)
	shard.mu.RLock()
	entry, ok := shard.marks[symbol]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetWithAge returns the last mark price and how long ago it was recorded.
func (c *ShardedPriceCache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	shard := c.shardFor(symbol)
	shard.mu.RLock()
	entry, ok := shard.marks[symbol]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, time.Since(entry.updatedAt), true
}

// Delete drops a symbol's cached mark price, e.g. once its position closes.
func (c *ShardedPriceCache) Delete(symbol string) {
	shard := c.shardFor(symbol)
	shard.mu.Lock()
	delete(shard.marks, symbol)
	shard.mu.Unlock()
}

// Len returns the number of symbols with a cached mark price.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.marks)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup drops entries whose mark price is older than maxAge, returning the
// count removed.
func (c *ShardedPriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.marks {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.marks, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// CleanupInvalid drops every cached symbol not present in validSymbols,
// e.g. once it's removed from the configured trading set.
func (c *ShardedPriceCache) CleanupInvalid(validSymbols []string) int {
	valid := make(map[string]bool, len(validSymbols))
	for _, s := range validSymbols {
		valid[s] = true
	}

	removed := 0
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym := range shard.marks {
			if !valid[sym] {
				delete(shard.marks, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetAll returns a snapshot of every cached mark price, for the "prices"
// field of /status.
func (c *ShardedPriceCache) GetAll() map[string]float64 {
	result := make(map[string]float64)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.marks {
			result[sym] = entry.price
		}
		shard.mu.RUnlock()
	}
	return result
}

// CacheStats summarizes per-shard occupancy and staleness for diagnostics.
type CacheStats struct {
	TotalItems  int            `json:"total_items"`
	ShardCounts [numShards]int `json:"shard_counts"`
	OldestAge   time.Duration  `json:"oldest_age"`
}

// Stats reports current cache occupancy and the age of the stalest entry.
func (c *ShardedPriceCache) Stats() CacheStats {
	stats := CacheStats{}
	var oldest time.Time

	for i, shard := range c.shards {
		shard.mu.RLock()
		stats.ShardCounts[i] = len(shard.marks)
		stats.TotalItems += len(shard.marks)
		for _, entry := range shard.marks {
			if oldest.IsZero() || entry.updatedAt.Before(oldest) {
				oldest = entry.updatedAt
			}
		}
		shard.mu.RUnlock()
	}

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	return stats
}
