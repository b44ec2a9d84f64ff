// Package cache holds the engine's local caches: a TTL read-through cache with
// in-flight de-duplication and a suppression window used for dispatch dedup.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry[V any] struct {
	val   V
	until time.Time
}

// TTL is a read-through cache. GetOrFetch is the only way entries are
// written, so concurrent callers never observe a half-built value.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]
	gen     map[K]uint64
	ttl     time.Duration
	max     int
	now     func() time.Time

	group singleflight.Group
}

type Option func(*options)

type options struct {
	now func() time.Time
	max int
}

// WithClock injects the time source (tests).
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithMaxEntries caps the cache; the entries expiring earliest are evicted first.
func WithMaxEntries(n int) Option { return func(o *options) { o.max = n } }

func NewTTL[K comparable, V any](ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &TTL[K, V]{
		entries: map[K]entry[V]{},
		gen:     map[K]uint64{},
		ttl:     ttl,
		max:     o.max,
		now:     o.now,
	}
}

// SetTTL changes the TTL for entries written from now on.
func (c *TTL[K, V]) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Get returns a live entry without fetching.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.until) {
		var zero V
		return zero, false
	}
	return e.val, true
}

// GetOrFetch returns the cached value for key, or runs fetch once for all
// concurrent callers of the same key and caches its result. Errors are not cached.
func (c *TTL[K, V]) GetOrFetch(ctx context.Context, key K, fetch func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	c.mu.Lock()
	gen := c.gen[key]
	c.mu.Unlock()

	sfKey := fmt.Sprintf("%v#%d", key, gen)
	ch := c.group.DoChan(sfKey, func() (any, error) {
		// Detached from any single caller's cancellation; each caller still
		// honors its own ctx below.
		v, err := fetch(context.WithoutCancel(ctx))
		if err != nil {
			return v, err
		}
		c.store(key, gen, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero V
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

func (c *TTL[K, V]) store(key K, gen uint64, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// An Invalidate during the fetch makes this result stale.
	if c.gen[key] != gen {
		return
	}
	if c.ttl <= 0 {
		return
	}
	now := c.now()
	c.entries[key] = entry[V]{val: v, until: now.Add(c.ttl)}
	c.pruneLocked(now)
}

func (c *TTL[K, V]) pruneLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.until) {
			delete(c.entries, k)
		}
	}
	for c.max > 0 && len(c.entries) > c.max {
		var (
			minKey K
			minT   time.Time
			set    bool
		)
		for k, e := range c.entries {
			if !set || e.until.Before(minT) {
				minKey, minT, set = k, e.until, true
			}
		}
		if !set {
			return
		}
		delete(c.entries, minKey)
	}
}

// Invalidate drops key; an in-flight fetch for it will not be cached.
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.gen[key]++
	c.mu.Unlock()
}

// Len counts live entries.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.until) {
			n++
		}
	}
	return n
}
