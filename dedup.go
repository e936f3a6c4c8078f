package main

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DedupCache is a time-bounded set of message fingerprints. The first caller
// to present a fingerprint wins; later sightings before expiry are no-ops.
// Entries are capped so a flood cannot grow the set without bound.
type DedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	entries map[string]time.Time // fingerprint -> expiresAt

	sweep time.Duration
	done  chan struct{}
	once  sync.Once
}

func NewDedupCache(ttl, sweep time.Duration, maxEntries int) *DedupCache {
	c := &DedupCache{
		ttl:     ttl,
		max:     maxEntries,
		entries: make(map[string]time.Time),
		sweep:   sweep,
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// ShouldProcess reports whether fingerprint is being seen for the first time
// within the TTL, recording it if so.
func (c *DedupCache) ShouldProcess(fingerprint string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.entries[fingerprint]; ok {
		if now.Before(exp) {
			return false
		}
		// Expired entry is eligible for reprocessing.
		delete(c.entries, fingerprint)
	}
	if len(c.entries) >= c.max {
		c.evictSoonestLocked()
	}
	c.entries[fingerprint] = now.Add(c.ttl)
	return true
}

// evictSoonestLocked drops the entry closest to expiry. Only runs when the
// cap is hit, which the sweeper normally prevents.
func (c *DedupCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for fp, exp := range c.entries {
		if victim == "" || exp.Before(soonest) {
			victim, soonest = fp, exp
		}
	}
	if victim != "" {
		delete(c.entries, victim)
	}
}

func (c *DedupCache) run() {
	t := time.NewTicker(c.sweep)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			now := time.Now()
			c.mu.Lock()
			before := len(c.entries)
			for fp, exp := range c.entries {
				if !now.Before(exp) {
					delete(c.entries, fp)
				}
			}
			removed := before - len(c.entries)
			c.mu.Unlock()
			if removed > 0 {
				zap.S().Debugw("dedup sweep", "removed", removed)
			}
		case <-c.done:
			return
		}
	}
}

// Stop terminates the sweeper. The cache stays usable.
func (c *DedupCache) Stop() {
	c.once.Do(func() { close(c.done) })
}

func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
