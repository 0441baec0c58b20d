package store

import (
	"context"
	"testing"
	"time"
)

func sandboxProducts() []Product {
	return []Product{
		{ID: "coins_500", Kind: KindConsumable},
		{ID: "plus_sub", Kind: KindSubscription},
	}
}

func TestSandboxPurchaseFlow(t *testing.T) {
	g := NewSandboxGateway("app.voxjournal", sandboxProducts())
	ctx := context.Background()

	if err := g.RequestPurchase(ctx, "coins_500"); err != nil {
		t.Fatalf("RequestPurchase() error: %v", err)
	}

	ev := <-g.Events()
	if ev.Receipt == nil {
		t.Fatal("expected a receipt event")
	}
	if ev.Receipt.ProductID != "coins_500" || ev.Receipt.PackageName != "app.voxjournal" {
		t.Errorf("receipt = %+v", ev.Receipt)
	}

	pending, err := g.GetAvailablePurchases(ctx)
	if err != nil {
		t.Fatalf("GetAvailablePurchases() error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	if err := g.FinishTransaction(ctx, ev.Receipt.PurchaseToken); err != nil {
		t.Fatalf("FinishTransaction() error: %v", err)
	}
	pending, _ = g.GetAvailablePurchases(ctx)
	if len(pending) != 0 {
		t.Errorf("pending = %d after finish, want 0", len(pending))
	}
}

func TestSandboxUnknownProductEmitsFailure(t *testing.T) {
	g := NewSandboxGateway("app.voxjournal", sandboxProducts())

	if err := g.RequestPurchase(context.Background(), "coins_999"); err != nil {
		t.Fatalf("RequestPurchase() error: %v", err)
	}
	ev := <-g.Events()
	if ev.Failure == nil || ev.Failure.Code != FailureItemUnavailable {
		t.Errorf("event = %+v, want item_unavailable failure", ev)
	}
}

func TestSandboxEndConnectionUnblocksFullBuffer(t *testing.T) {
	g := NewSandboxGateway("app.voxjournal", sandboxProducts())
	ctx := context.Background()

	// Overfill the event buffer with no consumer attached; the extra
	// requests block until the connection ends.
	requested := make(chan struct{})
	for i := 0; i < 40; i++ {
		go func() {
			g.RequestPurchase(ctx, "coins_500")
			requested <- struct{}{}
		}()
	}

	done := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		done <- g.EndConnection(ctx)
	}()

	for i := 0; i < 40; i++ {
		select {
		case <-requested:
		case <-time.After(2 * time.Second):
			t.Fatal("purchase request still blocked after EndConnection")
		}
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("EndConnection() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EndConnection() deadlocked")
	}

	if err := g.EndConnection(ctx); err != nil {
		t.Errorf("second EndConnection() error: %v", err)
	}
	if err := g.RequestPurchase(ctx, "coins_500"); err == nil {
		t.Error("RequestPurchase() after EndConnection expected error")
	}
}
