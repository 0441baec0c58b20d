package cacheutil

import (
	"sync"
	"time"
)

// CachedValue is a cached value with the time it was fetched.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough implements a thread-safe read-through cache with double-checked
// locking. checkCache runs under the read lock; fetchAndCache runs under the
// write lock after a re-check, so concurrent misses produce a single fetch.
//
// Usage:
//
//	func (c *Catalog) product(ctx context.Context, id string) (Product, error) {
//	    return cacheutil.ReadThrough(
//	        &c.mu,
//	        func(now time.Time) (Product, bool) {
//	            entry, ok := c.cache[id]
//	            if ok && now.Sub(entry.FetchedAt) < c.ttl {
//	                return entry.Value, true
//	            }
//	            return Product{}, false
//	        },
//	        func(now time.Time) (Product, error) {
//	            p, err := c.fetch(ctx, id)
//	            if err != nil {
//	                return Product{}, err
//	            }
//	            c.cache[id] = cacheutil.CachedValue[Product]{Value: p, FetchedAt: now}
//	            return p, nil
//	        },
//	    )
//	}
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Re-check with a fresh timestamp: another goroutine may have populated
	// the cache between RUnlock and Lock, and stale `now` would make its
	// freshly cached entry look expired.
	nowAfterLock := time.Now()
	if value, ok := checkCache(nowAfterLock); ok {
		return value, nil
	}

	return fetchAndCache(nowAfterLock)
}

// WriteThrough executes a write operation and invalidates the cache only on
// success, keeping cached reads consistent with the underlying source.
func WriteThrough(invalidate func(), operation func() error) error {
	if err := operation(); err != nil {
		return err
	}
	invalidate()
	return nil
}
