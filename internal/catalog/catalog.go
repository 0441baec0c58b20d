package catalog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxjournal/purchases/internal/cacheutil"
	"github.com/voxjournal/purchases/internal/circuitbreaker"
	apperrors "github.com/voxjournal/purchases/internal/errors"
	"github.com/voxjournal/purchases/internal/metrics"
	"github.com/voxjournal/purchases/internal/store"
)

// Catalog fetches and caches purchasable product definitions by identifier.
// Products are immutable once fetched and cached for the configured TTL;
// Refresh forces a round trip to pick up price changes.
type Catalog struct {
	gateway store.Gateway
	breaker *circuitbreaker.Manager
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cacheutil.CachedValue[store.Product]
}

// New creates a catalog over the store gateway. ttl of zero disables caching.
func New(gateway store.Gateway, breaker *circuitbreaker.Manager, ttl time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Catalog {
	return &Catalog{
		gateway: gateway,
		breaker: breaker,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
		cache:   make(map[string]cacheutil.CachedValue[store.Product]),
	}
}

// Products resolves the given identifiers, serving from cache where the
// entries are still fresh and batch-fetching the rest in one store call.
// Does not retry internally; the caller decides.
func (c *Catalog) Products(ctx context.Context, ids []string) ([]store.Product, error) {
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.CodeProductFetch, "empty product id set")
	}

	now := time.Now()
	result := make([]store.Product, 0, len(ids))
	var missing []string

	c.mu.RLock()
	for _, id := range ids {
		if entry, ok := c.cache[id]; ok && c.ttl > 0 && now.Sub(entry.FetchedAt) < c.ttl {
			result = append(result, entry.Value)
		} else {
			missing = append(missing, id)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := c.fetch(ctx, missing)
	if err != nil {
		return nil, err
	}
	return append(result, fetched...), nil
}

// Product resolves a single identifier through the read-through cache.
func (c *Catalog) Product(ctx context.Context, id string) (store.Product, error) {
	if c.ttl == 0 {
		products, err := c.fetch(ctx, []string{id})
		if err != nil {
			return store.Product{}, err
		}
		return products[0], nil
	}

	return cacheutil.ReadThrough(
		&c.mu,
		func(now time.Time) (store.Product, bool) {
			entry, ok := c.cache[id]
			if ok && now.Sub(entry.FetchedAt) < c.ttl {
				return entry.Value, true
			}
			return store.Product{}, false
		},
		func(now time.Time) (store.Product, error) {
			products, err := c.fetchLocked(ctx, []string{id}, now)
			if err != nil {
				return store.Product{}, err
			}
			return products[0], nil
		},
	)
}

// Refresh forces a store round trip for the given identifiers. On success
// the whole cache is invalidated before the fresh definitions are stored, so
// stale entries for other ids cannot outlive a refresh; on failure the cache
// is left untouched.
func (c *Catalog) Refresh(ctx context.Context, ids []string) ([]store.Product, error) {
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.CodeProductFetch, "empty product id set")
	}

	var products []store.Product
	err := cacheutil.WriteThrough(c.Invalidate, func() error {
		var fetchErr error
		products, fetchErr = c.getProducts(ctx, ids)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	now := time.Now()
	for _, p := range products {
		c.cache[p.ID] = cacheutil.CachedValue[store.Product]{Value: p, FetchedAt: now}
	}
	c.mu.Unlock()

	return products, nil
}

// fetch performs a breaker-guarded store call and caches the result.
func (c *Catalog) fetch(ctx context.Context, ids []string) ([]store.Product, error) {
	products, err := c.getProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	now := time.Now()
	for _, p := range products {
		c.cache[p.ID] = cacheutil.CachedValue[store.Product]{Value: p, FetchedAt: now}
	}
	c.mu.Unlock()

	return products, nil
}

// fetchLocked is fetch for callers already holding the write lock
// (the ReadThrough fetch path).
func (c *Catalog) fetchLocked(ctx context.Context, ids []string, now time.Time) ([]store.Product, error) {
	products, err := c.getProducts(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, p := range products {
		c.cache[p.ID] = cacheutil.CachedValue[store.Product]{Value: p, FetchedAt: now}
	}
	return products, nil
}

func (c *Catalog) getProducts(ctx context.Context, ids []string) ([]store.Product, error) {
	raw, err := c.breaker.Execute(circuitbreaker.ServiceStoreAPI, func() (any, error) {
		return c.gateway.GetProducts(ctx, ids)
	})
	if err != nil {
		c.metrics.ObserveCatalogFetch("error")
		c.logger.Warn().Err(err).Strs("product_ids", ids).Msg("catalog.fetch_failed")
		return nil, apperrors.Wrap(apperrors.CodeProductFetch, "fetch products from store", err)
	}

	products := raw.([]store.Product)
	if len(products) == 0 {
		c.metrics.ObserveCatalogFetch("empty")
		return nil, apperrors.Newf(apperrors.CodeProductFetch, "store returned no products for %d ids", len(ids))
	}
	c.metrics.ObserveCatalogFetch("ok")
	return products, nil
}

// Invalidate drops every cached entry.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheutil.CachedValue[store.Product])
}
