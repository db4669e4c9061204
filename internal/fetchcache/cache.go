// Package fetchcache memoizes adapter read calls for a bounded time so the
// reconciliation worker and the subscription aggregator share one budget of
// remote reads. A miss triggers exactly one upstream call even under
// concurrent requests for the same key; expired entries are evicted lazily
// on access, there is no background sweep.
package fetchcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Op names the memoized adapter operation.
type Op string

const (
	OpUsage Op = "usage"
	OpLinks Op = "links"
)

// Key identifies one memoized call.
type Key struct {
	PanelID        uint
	RemoteUsername string
	Op             Op
}

func (k Key) String() string {
	return fmt.Sprintf("%d|%s|%s", k.PanelID, k.RemoteUsername, k.Op)
}

type entry struct {
	value    interface{}
	storedAt time.Time
}

// Cache is the shared memoization table. The zero value is not usable; use
// New.
type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[Key]entry
	group   singleflight.Group
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[Key]entry),
	}
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Do returns the cached value for key if it is younger than maxAge, or
// invokes fn exactly once (collapsing concurrent callers) and caches the
// result. maxAge <= 0 forces a refetch while still collapsing concurrent
// callers and refreshing the stored entry.
func (c *Cache) Do(ctx context.Context, key Key, maxAge time.Duration, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		age := now.Sub(e.storedAt)
		if age >= c.ttl {
			// Lazy eviction on access.
			delete(c.entries, key)
		} else if maxAge > 0 && age < maxAge {
			c.mu.Unlock()
			return e.value, nil
		}
	}
	c.mu.Unlock()

	value, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = entry{value: v, storedAt: time.Now()}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Invalidate drops the entry for key, if any.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
