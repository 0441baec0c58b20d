package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// SandboxGateway is an in-process Gateway for local development and demos.
// Purchases succeed immediately and sit in a pending queue until finished,
// which makes replay and duplicate handling observable without a device.
type SandboxGateway struct {
	packageName string

	mu       sync.Mutex
	products map[string]Product
	pending  map[string]Receipt
	events   chan Event
	done     chan struct{}
	senders  sync.WaitGroup
	closed   bool
}

// NewSandboxGateway creates a sandbox over the given product definitions.
func NewSandboxGateway(packageName string, products []Product) *SandboxGateway {
	byID := make(map[string]Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return &SandboxGateway{
		packageName: packageName,
		products:    byID,
		pending:     make(map[string]Receipt),
		events:      make(chan Event, 32),
		done:        make(chan struct{}),
	}
}

func (g *SandboxGateway) InitConnection(ctx context.Context) error { return nil }

// EndConnection unblocks any purchase flow still waiting to deliver its
// event, then closes the stream once every sender has drained.
func (g *SandboxGateway) EndConnection(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	g.mu.Unlock()

	g.senders.Wait()
	close(g.events)
	return nil
}

func (g *SandboxGateway) GetProducts(ctx context.Context, ids []string) ([]Product, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Product
	for _, id := range ids {
		if p, ok := g.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (g *SandboxGateway) RequestPurchase(ctx context.Context, productID string) error {
	return g.complete(productID, KindConsumable)
}

func (g *SandboxGateway) RequestSubscription(ctx context.Context, productID string) error {
	return g.complete(productID, KindSubscription)
}

func (g *SandboxGateway) complete(productID string, fallback ProductKind) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("sandbox gateway closed")
	}
	g.senders.Add(1)
	defer g.senders.Done()

	product, known := g.products[productID]
	if !known {
		g.mu.Unlock()
		return g.send(Event{Failure: &PurchaseFailure{
			Code:      FailureItemUnavailable,
			ProductID: productID,
			Message:   "product not in sandbox catalog",
		}})
	}
	kind := product.Kind
	if kind == "" {
		kind = fallback
	}

	token := newSandboxToken()
	receipt := Receipt{
		PurchaseToken: token,
		OrderID:       "SBX." + token[:12],
		ProductID:     productID,
		PackageName:   g.packageName,
		Platform:      PlatformAndroid,
		Kind:          kind,
		PurchasedAt:   time.Now().UTC(),
	}
	g.pending[token] = receipt
	g.mu.Unlock()

	return g.send(Event{Receipt: &receipt})
}

// send delivers outside the lock so a full buffer cannot deadlock against
// EndConnection.
func (g *SandboxGateway) send(ev Event) error {
	select {
	case g.events <- ev:
		return nil
	case <-g.done:
		return fmt.Errorf("sandbox gateway closed")
	}
}

func (g *SandboxGateway) GetAvailablePurchases(ctx context.Context) ([]Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Receipt, 0, len(g.pending))
	for _, r := range g.pending {
		out = append(out, r)
	}
	return out, nil
}

func (g *SandboxGateway) FinishTransaction(ctx context.Context, purchaseToken string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, purchaseToken)
	return nil
}

func (g *SandboxGateway) Events() <-chan Event { return g.events }

func newSandboxToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("sbx-%d", time.Now().UnixNano())
	}
	return "sbx-" + hex.EncodeToString(buf)
}
