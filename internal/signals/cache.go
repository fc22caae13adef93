package signals

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// hashKey hashes NFC-normalized text for cache and dedup keys.
func hashKey(text string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(text)))
	return hex.EncodeToString(sum[:])
}

// ttlCache is a bounded map with per-entry expiry. It backs both the
// duplicate-suppression window and the tier-2 result cache.
type ttlCache struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
	max     int
	ttl     time.Duration
}

type ttlEntry struct {
	value   float64
	expires time.Time
}

func newTTLCache(max int, ttl time.Duration) *ttlCache {
	if max <= 0 {
		max = 1024
	}
	return &ttlCache{entries: make(map[string]ttlEntry), max: max, ttl: ttl}
}

// seen records the key and reports whether it was already present and
// unexpired, which makes it double as a dedupe check.
func (c *ttlCache) seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	dup := ok && now.Before(entry.expires)
	c.entries[key] = ttlEntry{expires: now.Add(c.ttl)}
	c.prune(now)
	return dup
}

func (c *ttlCache) get(key string, now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expires) {
		return 0, false
	}
	return entry.value, true
}

func (c *ttlCache) put(key string, value float64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry{value: value, expires: now.Add(c.ttl)}
	c.prune(now)
}

func (c *ttlCache) prune(now time.Time) {
	if len(c.entries) <= c.max {
		return
	}
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
		if len(c.entries) <= c.max {
			return
		}
	}
	// Still over: shed arbitrary entries to bound memory.
	for key := range c.entries {
		delete(c.entries, key)
		if len(c.entries) <= c.max {
			return
		}
	}
}
