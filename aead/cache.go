package aead

import (
	"sync"
	"time"
)

// DefaultTTL is the cache entry lifetime for a derived CEK.
const DefaultTTL = 2 * time.Hour

// CacheKey identifies one CEK's derived sub-keys: database, key id, and key
// version together.
type CacheKey struct {
	DatabaseID int
	CEKID      int
	CEKVersion int
}

type cacheEntry struct {
	keys      *SubKeys
	expiresAt time.Time
}

// Cache is a thread-safe TTL map from (database_id, cek_id, cek_version) to
// already-derived AEAD sub-keys, avoiding a CMK-provider round trip (RSA
// unwrap + HMAC derivation) on every encrypted column access. A miss — cold
// or expired — is the caller's cue to unwrap the CEK again and Put the
// result.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[CacheKey]cacheEntry
	now     func() time.Time
}

// NewCache builds a cache with the given TTL (DefaultTTL if zero).
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[CacheKey]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached sub-keys for key, or (nil, false) on a cold or
// expired miss. An expired entry is removed lazily on this access.
func (c *Cache) Get(key CacheKey) (*SubKeys, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.keys, true
}

// Put stores freshly derived sub-keys, resetting the TTL.
func (c *Cache) Put(key CacheKey, keys *SubKeys) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{keys: keys, expiresAt: c.now().Add(c.ttl)}
}

// Sweep removes every expired entry, zeroizing its key material first. It
// can be invoked periodically by a caller (the session pool's reaper, for
// instance) instead of relying purely on lazy per-access eviction.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			e.keys.Zero()
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of entries currently cached (test/introspection
// helper).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
