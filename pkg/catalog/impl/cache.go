package impl

import (
	"sync"
	"time"

	"github.com/seismonet/go-seismonet/pkg/seismic"
)

// responseCache keys fetched results by the canonicalized request. Entries
// expire after a TTL and are dropped on explicit purge. Cache hits never
// charge the token bucket.
type responseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	nowFn   func() time.Time
}

type cacheEntry struct {
	events    []seismic.CatalogEvent
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		ttl:     ttl,
		entries: map[string]cacheEntry{},
		nowFn:   time.Now,
	}
}

func (c *responseCache) get(key string) ([]seismic.CatalogEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.nowFn().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.events, true
}

func (c *responseCache) put(key string, events []seismic.CatalogEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{events: events, expiresAt: c.nowFn().Add(c.ttl)}
}

func (c *responseCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]cacheEntry{}
}
