package security

import (
	"sync"
	"time"
)

// NonceCache rejects replayed nonces within a sliding TTL window. It is
// process-lifetime state, constructor-injected so it can be swapped for
// a distributed cache under multi-instance deployment.
type NonceCache struct {
	mu      sync.Mutex
	entries map[string]time.Time // nonce -> expiresAt
	ttl     time.Duration
}

// NewNonceCache creates a cache with the given replay window.
func NewNonceCache(ttl time.Duration) *NonceCache {
	return &NonceCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

// Seen records the nonce and reports whether it was already present
// within its TTL window. Expired entries are swept opportunistically on
// each call.
func (c *NonceCache) Seen(nonce string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n, exp := range c.entries {
		if !exp.After(now) {
			delete(c.entries, n)
		}
	}

	if _, ok := c.entries[nonce]; ok {
		return true
	}
	c.entries[nonce] = now.Add(c.ttl)
	return false
}

// Len returns the number of live entries.
func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
