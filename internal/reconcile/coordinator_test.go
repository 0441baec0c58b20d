package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/voxjournal/purchases/internal/errors"
	"github.com/voxjournal/purchases/internal/idempotency"
	"github.com/voxjournal/purchases/internal/journal"
	"github.com/voxjournal/purchases/internal/ledger"
	"github.com/voxjournal/purchases/internal/pricing"
	"github.com/voxjournal/purchases/internal/store"
)

type fakeGateway struct {
	mu        sync.Mutex
	events    chan store.Event
	pending   []store.Receipt
	finished  []string
	finishErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{events: make(chan store.Event, 16)}
}

func (g *fakeGateway) InitConnection(ctx context.Context) error { return nil }
func (g *fakeGateway) EndConnection(ctx context.Context) error  { return nil }

func (g *fakeGateway) GetProducts(ctx context.Context, ids []string) ([]store.Product, error) {
	products := make([]store.Product, len(ids))
	for i, id := range ids {
		products[i] = store.Product{ID: id, Kind: store.KindConsumable}
	}
	return products, nil
}

func (g *fakeGateway) RequestPurchase(ctx context.Context, productID string) error     { return nil }
func (g *fakeGateway) RequestSubscription(ctx context.Context, productID string) error { return nil }

func (g *fakeGateway) GetAvailablePurchases(ctx context.Context) ([]store.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]store.Receipt(nil), g.pending...), nil
}

func (g *fakeGateway) FinishTransaction(ctx context.Context, purchaseToken string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finishErr != nil {
		return g.finishErr
	}
	g.finished = append(g.finished, purchaseToken)
	return nil
}

func (g *fakeGateway) Events() <-chan store.Event { return g.events }

func (g *fakeGateway) finishedTokens() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.finished...)
}

// fakeLedger scripts per-endpoint failures and counts calls.
type fakeLedger struct {
	mu            sync.Mutex
	registerCalls int
	submitCalls   int
	verifyCalls   int

	registerErrs []error
	submitErrs   []error
	verifyErrs   []error

	submitted map[string]bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{submitted: make(map[string]bool)}
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (l *fakeLedger) RegisterPending(ctx context.Context, productID string, amount int64) (ledger.PendingPayment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.registerCalls++
	if err := popErr(&l.registerErrs); err != nil {
		return ledger.PendingPayment{}, err
	}
	return ledger.PendingPayment{ID: "pp_" + productID, ProductID: productID, Amount: amount, Status: ledger.PendingCreated}, nil
}

func (l *fakeLedger) SubmitPurchase(ctx context.Context, receipt store.Receipt) (ledger.CreditResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitCalls++
	if err := popErr(&l.submitErrs); err != nil {
		return ledger.CreditResult{}, err
	}
	already := l.submitted[receipt.PurchaseToken]
	l.submitted[receipt.PurchaseToken] = true
	return ledger.CreditResult{Credited: true, CreditedAmount: 500, AlreadyProcessed: already}, nil
}

func (l *fakeLedger) Verify(ctx context.Context, purchaseToken, productID, packageName string, isSubscription bool) (ledger.VerificationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verifyCalls++
	if err := popErr(&l.verifyErrs); err != nil {
		return ledger.VerificationResult{}, err
	}
	return ledger.VerificationResult{Valid: true}, nil
}

func (l *fakeLedger) calls() (register, submit, verify int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registerCalls, l.submitCalls, l.verifyCalls
}

func testTable() *pricing.Table {
	return pricing.NewTable(map[string]int64{
		"coins_500": 500,
		"plus_sub":  1,
	})
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func newTestCoordinator(t *testing.T, gw *fakeGateway, lg *fakeLedger) *Coordinator {
	t.Helper()
	credits := idempotency.NewMemoryStoreWithSize(64)
	t.Cleanup(credits.Stop)
	return New(gw, store.NewListener(gw, 16), lg, nil, testTable(),
		journal.NewMemoryJournal(), credits,
		WithRetryConfig(fastRetry()))
}

func receipt(token, productID string, kind store.ProductKind) store.Receipt {
	return store.Receipt{
		PurchaseToken: token,
		OrderID:       "order-" + token,
		ProductID:     productID,
		PackageName:   "app.voxjournal",
		Platform:      store.PlatformAndroid,
		Kind:          kind,
		PurchasedAt:   time.Now().UTC(),
	}
}

func TestHandleReceiptConsumable(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	c := newTestCoordinator(t, gw, lg)

	if err := c.HandleReceipt(context.Background(), receipt("tok-1", "coins_500", store.KindConsumable)); err != nil {
		t.Fatalf("HandleReceipt() error: %v", err)
	}

	register, submit, verify := lg.calls()
	if register != 1 || submit != 1 {
		t.Errorf("register=%d submit=%d, want 1/1", register, submit)
	}
	if verify != 0 {
		t.Errorf("verify=%d, want 0 for consumables", verify)
	}
	if got := gw.finishedTokens(); len(got) != 1 || got[0] != "tok-1" {
		t.Errorf("finished = %v, want [tok-1]", got)
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0 after terminal state", c.InFlight())
	}
}

func TestHandleReceiptSubscriptionVerifies(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	c := newTestCoordinator(t, gw, lg)

	if err := c.HandleReceipt(context.Background(), receipt("tok-sub", "plus_sub", store.KindSubscription)); err != nil {
		t.Fatalf("HandleReceipt() error: %v", err)
	}

	if _, _, verify := lg.calls(); verify != 1 {
		t.Errorf("verify calls = %d, want 1", verify)
	}
	if got := gw.finishedTokens(); len(got) != 1 {
		t.Errorf("finished = %v, want one finalize", got)
	}
}

func TestDuplicateEventCreditsOnce(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	c := newTestCoordinator(t, gw, lg)
	ctx := context.Background()
	r := receipt("tok-dup", "coins_500", store.KindConsumable)

	if err := c.HandleReceipt(ctx, r); err != nil {
		t.Fatalf("first HandleReceipt() error: %v", err)
	}
	if err := c.HandleReceipt(ctx, r); err != nil {
		t.Fatalf("second HandleReceipt() error: %v", err)
	}

	register, submit, _ := lg.calls()
	if register != 1 {
		t.Errorf("register calls = %d, want 1 despite duplicate event", register)
	}
	if submit != 1 {
		t.Errorf("submit calls = %d, want 1 despite duplicate event", submit)
	}
}

func TestDuplicateEventRefinalizesAfterLostFinish(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	c := newTestCoordinator(t, gw, lg)
	ctx := context.Background()
	r := receipt("tok-lost", "coins_500", store.KindConsumable)

	// First walk credits but the finalize call is lost.
	gw.mu.Lock()
	gw.finishErr = apperrors.New(apperrors.CodeConnection, "store unreachable")
	gw.mu.Unlock()
	if err := c.HandleReceipt(ctx, r); err != nil {
		t.Fatalf("HandleReceipt() error: %v", err)
	}
	if len(gw.finishedTokens()) != 0 {
		t.Fatal("finalize should have failed")
	}

	// The store redelivers; the duplicate path finishes the transaction
	// without touching the ledger again.
	gw.mu.Lock()
	gw.finishErr = nil
	gw.mu.Unlock()
	if err := c.HandleReceipt(ctx, r); err != nil {
		t.Fatalf("redelivered HandleReceipt() error: %v", err)
	}

	if _, submit, _ := lg.calls(); submit != 1 {
		t.Errorf("submit calls = %d, want 1", submit)
	}
	if got := gw.finishedTokens(); len(got) != 1 || got[0] != "tok-lost" {
		t.Errorf("finished = %v, want [tok-lost]", got)
	}
}

func TestBackendRejectionNeverFinalizes(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	lg.submitErrs = []error{apperrors.New(apperrors.CodeBackendRejected, "pending payment expired")}
	c := newTestCoordinator(t, gw, lg)

	err := c.HandleReceipt(context.Background(), receipt("tok-rej", "coins_500", store.KindConsumable))
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if apperrors.CodeOf(err) != apperrors.CodeBackendRejected {
		t.Errorf("code = %v, want CodeBackendRejected", apperrors.CodeOf(err))
	}
	if _, submit, _ := lg.calls(); submit != 1 {
		t.Errorf("submit calls = %d, want 1 with no retry of a terminal error", submit)
	}
	if got := gw.finishedTokens(); len(got) != 0 {
		t.Errorf("finished = %v, want none for a failed reconciliation", got)
	}
}

func TestTransientFailureRetriedToCredit(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	lg.submitErrs = []error{
		apperrors.New(apperrors.CodeNetwork, "timeout"),
		apperrors.New(apperrors.CodeNetwork, "timeout"),
	}
	c := newTestCoordinator(t, gw, lg)

	if err := c.HandleReceipt(context.Background(), receipt("tok-flaky", "coins_500", store.KindConsumable)); err != nil {
		t.Fatalf("HandleReceipt() error: %v", err)
	}

	if _, submit, _ := lg.calls(); submit != 3 {
		t.Errorf("submit calls = %d, want 3 (two transient failures then success)", submit)
	}
	if got := gw.finishedTokens(); len(got) != 1 {
		t.Errorf("finished = %v, want one finalize after eventual credit", got)
	}
}

func TestRetryExhaustionFails(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	lg.registerErrs = []error{
		apperrors.New(apperrors.CodeNetwork, "timeout"),
		apperrors.New(apperrors.CodeNetwork, "timeout"),
		apperrors.New(apperrors.CodeNetwork, "timeout"),
	}
	c := newTestCoordinator(t, gw, lg)

	err := c.HandleReceipt(context.Background(), receipt("tok-down", "coins_500", store.KindConsumable))
	if err == nil {
		t.Fatal("expected error after retry budget exhaustion")
	}
	register, submit, _ := lg.calls()
	if register != 3 {
		t.Errorf("register calls = %d, want 3", register)
	}
	if submit != 0 {
		t.Errorf("submit calls = %d, want 0 after register never succeeded", submit)
	}
	if got := gw.finishedTokens(); len(got) != 0 {
		t.Errorf("finished = %v, want none", got)
	}
}

func TestUnknownProductFailsBeforeLedger(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	c := newTestCoordinator(t, gw, lg)

	err := c.HandleReceipt(context.Background(), receipt("tok-999", "coins_999", store.KindConsumable))
	if apperrors.CodeOf(err) != apperrors.CodeUnknownProduct {
		t.Fatalf("code = %v, want CodeUnknownProduct", apperrors.CodeOf(err))
	}
	if register, _, _ := lg.calls(); register != 0 {
		t.Errorf("register calls = %d, want 0 before the amount mapping resolves", register)
	}
}

func TestConcurrentDistinctTokens(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	c := newTestCoordinator(t, gw, lg)

	var wg sync.WaitGroup
	tokens := []string{"tok-a", "tok-b", "tok-c", "tok-d"}
	for _, token := range tokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			if err := c.HandleReceipt(context.Background(), receipt(tok, "coins_500", store.KindConsumable)); err != nil {
				t.Errorf("HandleReceipt(%s) error: %v", tok, err)
			}
		}(token)
	}
	wg.Wait()

	if got := gw.finishedTokens(); len(got) != len(tokens) {
		t.Errorf("finished %d tokens, want %d", len(got), len(tokens))
	}
	if register, _, _ := lg.calls(); register != len(tokens) {
		t.Errorf("register calls = %d, want %d", register, len(tokens))
	}
}

func TestReplayDrivesPendingQueue(t *testing.T) {
	gw := newFakeGateway()
	gw.pending = []store.Receipt{
		receipt("tok-r1", "coins_500", store.KindConsumable),
		receipt("tok-r2", "plus_sub", store.KindSubscription),
	}
	lg := newFakeLedger()
	c := newTestCoordinator(t, gw, lg)

	if err := c.Replay(context.Background()); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}

	if got := gw.finishedTokens(); len(got) != 2 {
		t.Errorf("finished %d tokens, want 2", len(got))
	}
	if register, _, _ := lg.calls(); register != 2 {
		t.Errorf("register calls = %d, want exactly one pending payment per token", register)
	}
}

func TestReplayAfterRestartReachesCredit(t *testing.T) {
	gw := newFakeGateway()
	gw.pending = []store.Receipt{receipt("tok-crash", "coins_500", store.KindConsumable)}
	lg := newFakeLedger()
	lg.submitErrs = []error{
		apperrors.New(apperrors.CodeNetwork, "timeout"),
		apperrors.New(apperrors.CodeNetwork, "timeout"),
		apperrors.New(apperrors.CodeNetwork, "timeout"),
	}
	ctx := context.Background()

	// First run: pending registration succeeds, submission exhausts its
	// retry budget, the transaction stays in the store's queue.
	first := newTestCoordinator(t, gw, lg)
	if err := first.HandleReceipt(ctx, gw.pending[0]); err == nil {
		t.Fatal("expected submit exhaustion on the first run")
	}
	if len(gw.finishedTokens()) != 0 {
		t.Fatal("failed reconciliation must not finalize")
	}

	// Second run simulates a fresh process: no in-memory state survives,
	// replay re-enters the machine from the store's pending queue.
	second := newTestCoordinator(t, gw, lg)
	if err := second.Replay(ctx); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}

	if got := gw.finishedTokens(); len(got) != 1 || got[0] != "tok-crash" {
		t.Errorf("finished = %v, want [tok-crash]", got)
	}
	lg.mu.Lock()
	credited := len(lg.submitted)
	lg.mu.Unlock()
	if credited != 1 {
		t.Errorf("credited tokens = %d, want 1", credited)
	}
}

func TestRunConsumesEvents(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()

	listener := store.NewListener(gw, 16)
	credits := idempotency.NewMemoryStoreWithSize(64)
	t.Cleanup(credits.Stop)
	c := New(gw, listener, lg, nil, testTable(),
		journal.NewMemoryJournal(), credits,
		WithRetryConfig(fastRetry()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); listener.Run(ctx) }()
	go func() { defer wg.Done(); c.Run(ctx) }()

	// Let the coordinator attach its subscription before events flow.
	time.Sleep(50 * time.Millisecond)

	// A cancellation event must not produce any ledger traffic.
	gw.events <- store.Event{Failure: &store.PurchaseFailure{
		Code:      store.FailureUserCancelled,
		ProductID: "coins_500",
	}}

	r := receipt("tok-run", "coins_500", store.KindConsumable)
	gw.events <- store.Event{Receipt: &r}

	deadline := time.After(2 * time.Second)
	for len(gw.finishedTokens()) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the receipt to be reconciled")
		case <-time.After(5 * time.Millisecond):
		}
	}

	register, submit, _ := lg.calls()
	if register != 1 || submit != 1 {
		t.Errorf("register=%d submit=%d, want 1/1 (cancellation must not reach the ledger)", register, submit)
	}

	cancel()
	close(gw.events)
	wg.Wait()
}

func TestPurchaseUnknownProduct(t *testing.T) {
	gw := newFakeGateway()
	lg := newFakeLedger()
	c := newTestCoordinator(t, gw, lg)

	err := c.Purchase(context.Background(), "coins_999")
	if apperrors.CodeOf(err) != apperrors.CodeUnknownProduct {
		t.Errorf("code = %v, want CodeUnknownProduct", apperrors.CodeOf(err))
	}
}
