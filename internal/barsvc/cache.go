package barsvc

import (
	"sync"
	"time"

	"kbarstore/internal/market"
)

// barCache holds recently resampled responses so bursts of identical reads
// skip reconciliation and resampling. Entries are copied on the way in and
// out. A zero TTL disables it.
type barCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	bars    []market.Bar
	expires time.Time
}

func newBarCache(ttl time.Duration) *barCache {
	return &barCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *barCache) get(key string, now time.Time) ([]market.Bar, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || now.After(entry.expires) {
		return nil, false
	}

	cp := make([]market.Bar, len(entry.bars))
	copy(cp, entry.bars)
	return cp, true
}

func (c *barCache) put(key string, bars []market.Bar, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	cp := make([]market.Bar, len(bars))
	copy(cp, bars)

	c.mu.Lock()
	c.entries[key] = cacheEntry{bars: cp, expires: now.Add(c.ttl)}
	c.mu.Unlock()
}

// clear drops every entry. Called after a write so readers see new bars
// immediately instead of waiting out the TTL.
func (c *barCache) clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}
