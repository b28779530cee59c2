// Package cache holds the latest market data snapshot per symbol.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"venue-gateway/pkg/venue"
)

const numShards = 16

// ShardedTickCache keeps the last tick per symbol, sharded to keep the tick
// path off a single lock.
type ShardedTickCache struct {
	shards [numShards]*tickShard
}

type tickShard struct {
	mu    sync.RWMutex
	items map[string]tickEntry
}

type tickEntry struct {
	tick       venue.Tick
	receivedAt time.Time
}

// NewShardedTickCache creates an empty cache.
func NewShardedTickCache() *ShardedTickCache {
	c := &ShardedTickCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &tickShard{
			items: make(map[string]tickEntry),
		}
	}
	return c
}

// getShard returns the shard for the given key.
func (c *ShardedTickCache) getShard(key string) *tickShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the tick for its symbol.
func (c *ShardedTickCache) Set(t venue.Tick) {
	shard := c.getShard(t.Symbol)
	shard.mu.Lock()
	shard.items[t.Symbol] = tickEntry{tick: t, receivedAt: time.Now()}
	shard.mu.Unlock()
}

// Get retrieves the last tick for a symbol.
func (c *ShardedTickCache) Get(symbol string) (venue.Tick, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry.tick, ok
}

// GetWithAge retrieves the last tick and how long ago it arrived.
func (c *ShardedTickCache) GetWithAge(symbol string) (venue.Tick, time.Duration, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return venue.Tick{}, 0, false
	}
	return entry.tick, time.Since(entry.receivedAt), true
}

// Delete removes a symbol from the cache.
func (c *ShardedTickCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *ShardedTickCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Clear drops every entry.
func (c *ShardedTickCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.items = make(map[string]tickEntry)
		shard.mu.Unlock()
	}
}
