package adjust

import (
	"sync"
	"time"
)

type cached struct {
	resp    Response
	expires time.Time
}

// Cache remembers responses per idempotency key until they expire.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	items map[string]cached
}

// NewCache returns a cache whose entries live for ttl.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, items: make(map[string]cached)}
}

// Get returns the stored response for key if it has not expired.
func (c *Cache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Response{}, false
	}
	if !c.now().Before(it.expires) {
		delete(c.items, key)
		return Response{}, false
	}
	return it.resp, true
}

// Put stores resp for key and evicts expired entries.
func (c *Cache) Put(key string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, it := range c.items {
		if !now.Before(it.expires) {
			delete(c.items, k)
		}
	}
	c.items[key] = cached{resp: resp, expires: now.Add(c.ttl)}
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
