// Package cache memoizes recent generation responses keyed by a
// content fingerprint, so byte-identical effective requests within the
// TTL window resolve without a remote call.
package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fablecastco/fablecast/internal/genclient"
)

const gcInterval = time.Minute

// Fingerprint hashes a canonicalized context payload into the cache key.
// The same canonical bytes always map to the same key.
func Fingerprint(canonical string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(canonical))
}

type entry struct {
	response  *genclient.Response
	expiresAt time.Time
	writtenAt time.Time
}

// Cache is a bounded TTL map. Entries are immutable once written;
// expiry is enforced at read time and capacity pressure evicts the
// oldest-written entries. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	items      map[string]entry
	capacity   int
	defaultTTL time.Duration
	lastGC     time.Time

	now func() time.Time
}

func New(capacity int, defaultTTL time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 512
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Cache{
		items:      make(map[string]entry),
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the cached response for fingerprint, or false on miss.
// An expired entry is removed and reported as a miss, never returned.
func (c *Cache) Get(fingerprint string) (*genclient.Response, bool) {
	if fingerprint == "" {
		return nil, false
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[fingerprint]
	if !ok {
		return nil, false
	}
	if !now.Before(e.expiresAt) {
		delete(c.items, fingerprint)
		return nil, false
	}
	return e.response, true
}

// Put stores a response under fingerprint. A ttl <= 0 uses the default.
func (c *Cache) Put(fingerprint string, resp *genclient.Response, ttl time.Duration) {
	if fingerprint == "" || resp == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[fingerprint] = entry{
		response:  resp,
		expiresAt: now.Add(ttl),
		writtenAt: now,
	}
	c.gcLocked(now)
	for len(c.items) > c.capacity {
		c.evictOldestLocked()
	}
}

// Len reports the current entry count, counting not-yet-collected
// expired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) gcLocked(now time.Time) {
	if c.lastGC.IsZero() || now.Sub(c.lastGC) >= gcInterval {
		for key, e := range c.items {
			if !now.Before(e.expiresAt) {
				delete(c.items, key)
			}
		}
		c.lastGC = now
	}
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, e := range c.items {
		if oldestKey == "" || e.writtenAt.Before(oldest) {
			oldestKey = key
			oldest = e.writtenAt
		}
	}
	if oldestKey != "" {
		delete(c.items, oldestKey)
	}
}
