package apod

import (
	"sync"
	"time"
)

type cacheEntry struct {
	picture   Picture
	rateLimit RateLimit
	expires   time.Time
}

// cache keeps successful responses by date; APOD entries never change once published.
type cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

func newCache(ttl time.Duration, now func() time.Time) *cache {
	return &cache{ttl: ttl, entries: make(map[string]cacheEntry), now: now}
}

func (c *cache) get(date string) (Picture, RateLimit, bool) {
	if c.ttl <= 0 || date == "" {
		return Picture{}, RateLimit{}, false
	}
	c.mu.RLock()
	e, ok := c.entries[date]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expires) {
		return Picture{}, RateLimit{}, false
	}
	return e.picture, e.rateLimit, true
}

func (c *cache) put(date string, p Picture, rl RateLimit) {
	if c.ttl <= 0 || date == "" {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[date] = cacheEntry{picture: p, rateLimit: rl, expires: now.Add(c.ttl)}
}
