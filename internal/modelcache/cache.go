// Package modelcache lazily constructs and caches expensive values, such as
// loaded transcription models, with at most one construction per key.
package modelcache

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Loader constructs the value for key. It may be slow.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// ObserverFunc is told about every Acquire outcome: "hit", "loaded" or "failed".
type ObserverFunc[K comparable] func(key K, outcome string, duration time.Duration)

type Option[K comparable, V any] func(*Cache[K, V])

func WithObserver[K comparable, V any](observer ObserverFunc[K]) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.observer = observer
	}
}

// Cache maps keys to values that are built once and kept for the life of the
// process. Lookups of present keys never take the lock; construction is
// serialized by a single lock. The lock is a one-slot channel so waiters can
// give up when their context ends.
type Cache[K comparable, V any] struct {
	load     Loader[K, V]
	entries  sync.Map
	mu       chan struct{}
	observer ObserverFunc[K]
}

func New[K comparable, V any](load func(ctx context.Context, key K) (V, error), opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{load: Loader[K, V](load), mu: make(chan struct{}, 1)}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Acquire returns the cached value for key, constructing it if needed.
// Concurrent callers for a key that is being constructed wait for that
// construction instead of starting another, or return ctx.Err() if ctx ends
// first. Failed constructions are not cached. Construction ignores the
// caller's cancellation so a disconnecting client cannot discard a load
// other callers are waiting on.
func (c *Cache[K, V]) Acquire(ctx context.Context, key K) (V, error) {
	if v, ok := c.Lookup(key); ok {
		c.observe(key, "hit", 0)
		return v, nil
	}

	select {
	case c.mu <- struct{}{}:
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
	defer func() { <-c.mu }()

	if v, ok := c.Lookup(key); ok {
		c.observe(key, "hit", 0)
		return v, nil
	}

	started := time.Now()
	v, err := c.load(context.WithoutCancel(ctx), key)
	if err != nil {
		c.observe(key, "failed", time.Since(started))
		var zero V
		return zero, err
	}
	c.entries.Store(key, v)
	c.observe(key, "loaded", time.Since(started))
	return v, nil
}

// Lookup is the lock-free read path.
func (c *Cache[K, V]) Lookup(key K) (V, bool) {
	raw, ok := c.entries.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return raw.(V), true
}

func (c *Cache[K, V]) Keys() []K {
	var keys []K
	c.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(K))
		return true
	})
	return keys
}

func (c *Cache[K, V]) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close closes every cached value that implements io.Closer and empties the
// cache. It is meant for process shutdown.
func (c *Cache[K, V]) Close() error {
	c.mu <- struct{}{}
	defer func() { <-c.mu }()

	var errs []error
	c.entries.Range(func(k, v any) bool {
		if closer, ok := v.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.entries.Delete(k)
		return true
	})
	return errors.Join(errs...)
}

func (c *Cache[K, V]) observe(key K, outcome string, d time.Duration) {
	if c.observer != nil {
		c.observer(key, outcome, d)
	}
}
