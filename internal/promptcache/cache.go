// Package promptcache keeps recent workflow results in process memory so an
// immediate re-submit of the same image does not pay for a second upstream
// round trip.
package promptcache

import (
	"fmt"
	"sync"
	"time"

	"server/internal/domain"
)

// DefaultTTL is the window inside which a repeated request is served from
// memory.
const DefaultTTL = 5 * time.Minute

// Fingerprint derives the cache key from request attributes. File content is
// deliberately not hashed: the key must be cheap for multi-megabyte uploads,
// so two different images sharing name, size and options collide.
func Fingerprint(name string, size int64, promptType domain.PromptType, language string) string {
	return fmt.Sprintf("%s|%d|%s|%s", name, size, promptType, language)
}

type entry struct {
	result   domain.RunResult
	storedAt time.Time
}

// Cache is a process-local TTL cache. Expiry is lazy: stale entries are
// skipped on read and overwritten on write, never proactively purged.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock injects the time source, letting tests advance a fake clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache with the given TTL. A non-positive TTL falls back to
// DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the stored result for fingerprint, or ok=false when the entry
// is absent or older than the TTL.
func (c *Cache) Get(fingerprint string) (domain.RunResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return domain.RunResult{}, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		return domain.RunResult{}, false
	}
	return e.result, true
}

// Put stores result under fingerprint, overwriting any previous entry.
func (c *Cache) Put(fingerprint string, result domain.RunResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[fingerprint] = entry{result: result, storedAt: c.now()}
}

// Len reports the number of entries, stale ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
