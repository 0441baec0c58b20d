package catalog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/voxjournal/purchases/internal/circuitbreaker"
	apperrors "github.com/voxjournal/purchases/internal/errors"
	"github.com/voxjournal/purchases/internal/metrics"
	"github.com/voxjournal/purchases/internal/store"
)

// productGateway stubs the store gateway product fetch.
type productGateway struct {
	store.Gateway
	products map[string]store.Product
	calls    int
	err      error
}

func (g *productGateway) GetProducts(ctx context.Context, ids []string) ([]store.Product, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	var out []store.Product
	for _, id := range ids {
		if p, ok := g.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func testGateway() *productGateway {
	return &productGateway{
		products: map[string]store.Product{
			"coins_100":       {ID: "coins_100", Kind: store.KindConsumable, DisplayPrice: "$0.99"},
			"coins_500":       {ID: "coins_500", Kind: store.KindConsumable, DisplayPrice: "$4.99"},
			"premium_monthly": {ID: "premium_monthly", Kind: store.KindSubscription, DisplayPrice: "$9.99"},
		},
	}
}

func noBreaker() *circuitbreaker.Manager {
	return circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false})
}

func TestProductsCachesByID(t *testing.T) {
	gw := testGateway()
	cat := New(gw, noBreaker(), time.Minute, nil, zerolog.Nop())

	first, err := cat.Products(context.Background(), []string{"coins_100", "coins_500"})
	if err != nil {
		t.Fatalf("Products() error: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("got %d products, want 2", len(first))
	}
	if gw.calls != 1 {
		t.Fatalf("calls = %d, want 1", gw.calls)
	}

	// Second fetch for the same ids must be served from cache.
	if _, err := cat.Products(context.Background(), []string{"coins_100", "coins_500"}); err != nil {
		t.Fatalf("cached Products() error: %v", err)
	}
	if gw.calls != 1 {
		t.Errorf("calls = %d after cached fetch, want 1", gw.calls)
	}

	// A new id triggers a fetch for just the missing entry.
	if _, err := cat.Products(context.Background(), []string{"coins_100", "premium_monthly"}); err != nil {
		t.Fatalf("Products() with new id error: %v", err)
	}
	if gw.calls != 2 {
		t.Errorf("calls = %d, want 2", gw.calls)
	}
}

func TestRefreshForcesRoundTrip(t *testing.T) {
	gw := testGateway()
	cat := New(gw, noBreaker(), time.Minute, nil, zerolog.Nop())

	if _, err := cat.Products(context.Background(), []string{"coins_100"}); err != nil {
		t.Fatalf("Products() error: %v", err)
	}

	gw.products["coins_100"] = store.Product{ID: "coins_100", Kind: store.KindConsumable, DisplayPrice: "$1.49"}

	refreshed, err := cat.Refresh(context.Background(), []string{"coins_100"})
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if refreshed[0].DisplayPrice != "$1.49" {
		t.Errorf("DisplayPrice = %q after refresh, want $1.49", refreshed[0].DisplayPrice)
	}
	if gw.calls != 2 {
		t.Errorf("calls = %d, want 2", gw.calls)
	}

	// The refreshed price must now be served from cache.
	p, err := cat.Product(context.Background(), "coins_100")
	if err != nil {
		t.Fatalf("Product() error: %v", err)
	}
	if p.DisplayPrice != "$1.49" {
		t.Errorf("cached DisplayPrice = %q, want $1.49", p.DisplayPrice)
	}
}

func TestRefreshInvalidatesStaleSiblings(t *testing.T) {
	gw := testGateway()
	cat := New(gw, noBreaker(), time.Minute, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := cat.Products(ctx, []string{"coins_100", "coins_500"}); err != nil {
		t.Fatalf("Products() error: %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("calls = %d, want 1", gw.calls)
	}

	// Refreshing one id drops every cached entry, so the sibling needs a
	// fresh round trip instead of serving a possibly stale definition.
	if _, err := cat.Refresh(ctx, []string{"coins_100"}); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if _, err := cat.Products(ctx, []string{"coins_500"}); err != nil {
		t.Fatalf("Products() error: %v", err)
	}
	if gw.calls != 3 {
		t.Errorf("calls = %d, want 3 (sibling refetched after refresh)", gw.calls)
	}

	// A failed refresh leaves the cache untouched.
	gw.err = errors.New("store timeout")
	if _, err := cat.Refresh(ctx, []string{"coins_100"}); err == nil {
		t.Fatal("Refresh() expected error")
	}
	gw.err = nil
	if _, err := cat.Products(ctx, []string{"coins_100", "coins_500"}); err != nil {
		t.Fatalf("Products() error: %v", err)
	}
	if gw.calls != 4 {
		t.Errorf("calls = %d, want 4 (cache survived the failed refresh)", gw.calls)
	}
}

func TestInvalidateForcesRefetch(t *testing.T) {
	gw := testGateway()
	cat := New(gw, noBreaker(), time.Minute, nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := cat.Products(ctx, []string{"coins_100"}); err != nil {
		t.Fatalf("Products() error: %v", err)
	}
	cat.Invalidate()
	if _, err := cat.Products(ctx, []string{"coins_100"}); err != nil {
		t.Fatalf("Products() error: %v", err)
	}
	if gw.calls != 2 {
		t.Errorf("calls = %d, want 2 after Invalidate", gw.calls)
	}
}

func TestFetchOutcomeMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	gw := testGateway()
	cat := New(gw, noBreaker(), time.Minute, m, zerolog.Nop())
	ctx := context.Background()

	if _, err := cat.Products(ctx, []string{"coins_100"}); err != nil {
		t.Fatalf("Products() error: %v", err)
	}
	if got := testutil.ToFloat64(m.CatalogFetchTotal.WithLabelValues("ok")); got != 1 {
		t.Errorf("ok fetches = %v, want 1", got)
	}

	gw.err = errors.New("store timeout")
	cat.Invalidate()
	if _, err := cat.Products(ctx, []string{"coins_100"}); err == nil {
		t.Fatal("Products() expected error")
	}
	if got := testutil.ToFloat64(m.CatalogFetchTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("error fetches = %v, want 1", got)
	}
}

func TestProductsEmptySet(t *testing.T) {
	cat := New(testGateway(), noBreaker(), time.Minute, nil, zerolog.Nop())
	if _, err := cat.Products(context.Background(), nil); err == nil {
		t.Fatal("Products(nil) expected error")
	}
}

func TestProductsFetchError(t *testing.T) {
	gw := testGateway()
	gw.err = errors.New("store timeout")
	cat := New(gw, noBreaker(), time.Minute, nil, zerolog.Nop())

	_, err := cat.Products(context.Background(), []string{"coins_100"})
	if err == nil {
		t.Fatal("Products() expected error")
	}
	if !apperrors.IsCode(err, apperrors.CodeProductFetch) {
		t.Errorf("code = %q, want %q", apperrors.CodeOf(err), apperrors.CodeProductFetch)
	}
	// No retry inside the catalog.
	if gw.calls != 1 {
		t.Errorf("calls = %d, want 1 (no internal retry)", gw.calls)
	}
}
