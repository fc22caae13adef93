package tokens

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// lruCache is a small LRU with per-entry TTL, keyed by text hash.
type lruCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	max     int
	ttl     time.Duration
	now     func() time.Time
}

type lruEntry struct {
	key     string
	value   int
	expires time.Time
}

func newLRUCache(max int, ttl time.Duration) *lruCache {
	if max <= 0 {
		max = 1024
	}
	return &lruCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		max:     max,
		ttl:     ttl,
		now:     time.Now,
	}
}

// hashText produces the cache key: SHA-256 over the NFC-normalized text.
func hashText(text string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(text)))
	return hex.EncodeToString(sum[:])
}

func (c *lruCache) get(key string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	entry := elem.Value.(*lruEntry)
	if c.ttl > 0 && c.now().After(entry.expires) {
		c.order.Remove(elem)
		delete(c.entries, key)
		return 0, false
	}
	c.order.MoveToFront(elem)
	return entry.value, true
}

func (c *lruCache) put(key string, value int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value = value
		entry.expires = c.now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&lruEntry{key: key, value: value, expires: c.now().Add(c.ttl)})
	c.entries[key] = elem
	for c.order.Len() > c.max {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}
