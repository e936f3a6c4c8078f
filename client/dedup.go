package client

import (
	"sync"
	"time"
)

// dedupCache suppresses redelivered inbound events for a short window. Its
// TTL domain is independent of the gateway's: the gateway guards against
// duplicate sends, this guards against at-least-once transport redelivery.
type dedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time // key -> expiresAt
	ops     int
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// ShouldProcess reports whether key is new within the TTL, recording it if
// so. Expired entries are pruned opportunistically so the map stays bounded
// without a sweeper goroutine per manager.
func (c *dedupCache) ShouldProcess(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ops++
	if c.ops >= 1000 {
		for k, exp := range c.entries {
			if !now.Before(exp) {
				delete(c.entries, k)
			}
		}
		c.ops = 0
	}

	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return false
	}
	c.entries[key] = now.Add(c.ttl)
	return true
}

func (c *dedupCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
