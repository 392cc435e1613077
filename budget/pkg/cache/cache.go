package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Forever marks an entry that never expires.
const Forever time.Duration = 0

// Cache memoizes values per key with a TTL. Concurrent misses for the same
// key share a single fetch, and failed fetches are not stored.
type Cache[V any] struct {
	clock clockwork.Clock
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry[V]
	// gens is bumped by Invalidate so a fetch started before it cannot
	// store its now stale result.
	gens map[string]uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
	forever   bool
}

func New[V any](clock clockwork.Clock) *Cache[V] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache[V]{
		clock:   clock,
		entries: make(map[string]entry[V]),
		gens:    make(map[string]uint64),
	}
}

// Get returns the value for key, calling fetch on a miss. ttl <= 0 keeps
// the value until it is invalidated. The returned bool reports a cache hit.
//
// The fetch runs detached from the cancellation of the caller that started
// it; each caller still stops waiting when its own ctx is done.
func (c *Cache[V]) Get(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (V, error)) (V, bool, error) {
	if v, ok := c.lookup(key); ok {
		return v, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		c.mu.Lock()
		gen := c.gens[key]
		c.mu.Unlock()

		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.gens[key] == gen {
			e := entry[V]{value: v, forever: ttl <= 0}
			if !e.forever {
				e.expiresAt = c.clock.Now().Add(ttl)
			}
			c.entries[key] = e
		}
		c.mu.Unlock()
		return v, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, false, res.Err
		}
		return res.Val.(V), false, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

func (c *Cache[V]) lookup(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !e.forever && !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Invalidate drops the entry for key. An in-flight fetch for key will not
// store its result.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.gens[key]++
	c.group.Forget(key)
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
