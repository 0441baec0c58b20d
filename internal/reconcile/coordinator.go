package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxjournal/purchases/internal/catalog"
	"github.com/voxjournal/purchases/internal/circuitbreaker"
	apperrors "github.com/voxjournal/purchases/internal/errors"
	"github.com/voxjournal/purchases/internal/idempotency"
	"github.com/voxjournal/purchases/internal/journal"
	"github.com/voxjournal/purchases/internal/ledger"
	"github.com/voxjournal/purchases/internal/logger"
	"github.com/voxjournal/purchases/internal/metrics"
	"github.com/voxjournal/purchases/internal/pricing"
	"github.com/voxjournal/purchases/internal/store"
)

// LedgerClient is the backend surface the coordinator drives. Satisfied by
// *ledger.Client; tests substitute fakes.
type LedgerClient interface {
	RegisterPending(ctx context.Context, productID string, amount int64) (ledger.PendingPayment, error)
	SubmitPurchase(ctx context.Context, receipt store.Receipt) (ledger.CreditResult, error)
	Verify(ctx context.Context, purchaseToken, productID, packageName string, isSubscription bool) (ledger.VerificationResult, error)
}

// Coordinator orchestrates the per-purchase lifecycle: pending registration,
// submission, verification, and store finalization. It is the only component
// allowed to instruct the store to remove a transaction from its pending
// queue, and it does so only after CREDITED. Everything before that point is
// deliberately left replayable.
type Coordinator struct {
	gateway  store.Gateway
	listener *store.Listener
	ledger   LedgerClient
	catalog  *catalog.Catalog
	pricing  *pricing.Table
	journal  journal.Journal
	credits  idempotency.Store
	breaker  *circuitbreaker.Manager

	retry     RetryConfig
	creditTTL time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	records map[string]*Record
	locks   map[string]*tokenLock
}

// tokenLock serializes same-token work. Refcounted so entries disappear once
// no goroutine is waiting.
type tokenLock struct {
	mu   sync.Mutex
	refs int
}

// Option configures coordinator construction.
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = log }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithRetryConfig overrides the ledger retry policy.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(c *Coordinator) { c.retry = cfg }
}

// WithCreditTTL overrides how long credited tokens stay in the duplicate
// short-circuit cache.
func WithCreditTTL(ttl time.Duration) Option {
	return func(c *Coordinator) { c.creditTTL = ttl }
}

// WithBreaker sets the circuit breaker manager for store calls.
func WithBreaker(b *circuitbreaker.Manager) Option {
	return func(c *Coordinator) { c.breaker = b }
}

// New creates a coordinator over the store and ledger collaborators.
func New(
	gateway store.Gateway,
	listener *store.Listener,
	ledgerClient LedgerClient,
	cat *catalog.Catalog,
	table *pricing.Table,
	jrnl journal.Journal,
	credits idempotency.Store,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		gateway:   gateway,
		listener:  listener,
		ledger:    ledgerClient,
		catalog:   cat,
		pricing:   table,
		journal:   jrnl,
		credits:   credits,
		breaker:   circuitbreaker.NewManager(circuitbreaker.Config{Enabled: false}),
		retry:     DefaultRetryConfig(),
		creditTTL: 24 * time.Hour,
		logger:    zerolog.Nop(),
		records:   make(map[string]*Record),
		locks:     make(map[string]*tokenLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Purchase starts a purchase flow for a mapped product. The outcome arrives
// asynchronously on the listener stream; this only validates and kicks the
// store UI off.
func (c *Coordinator) Purchase(ctx context.Context, productID string) error {
	if !c.pricing.Known(productID) {
		return apperrors.Newf(apperrors.CodeUnknownProduct, "product %q has no amount mapping", productID)
	}

	product, err := c.catalog.Product(ctx, productID)
	if err != nil {
		return err
	}

	if product.Kind == store.KindSubscription {
		err = c.gateway.RequestSubscription(ctx, productID)
	} else {
		err = c.gateway.RequestPurchase(ctx, productID)
	}
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConnection, "request purchase", err)
	}
	return nil
}

// Run consumes the listener stream until the context is cancelled. Each
// receipt is reconciled in its own goroutine; the per-token guard keeps
// same-token work strictly sequential while distinct tokens interleave
// freely.
func (c *Coordinator) Run(ctx context.Context) {
	events, dispose := c.listener.Subscribe()
	defer dispose()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Failure != nil {
				c.handleFailure(ev.Failure)
				continue
			}
			if ev.Receipt == nil {
				continue
			}
			receipt := *ev.Receipt
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.HandleReceipt(ctx, receipt); err != nil {
					c.logger.Error().
						Err(err).
						Str("purchase_token", logger.TruncateToken(receipt.PurchaseToken)).
						Str("product_id", receipt.ProductID).
						Msg("reconcile.receipt_failed")
				}
			}()
		}
	}
}

// Replay re-drives every receipt still sitting in the store's pending queue.
// Called on startup: anything interrupted before finalization re-enters the
// machine at INITIATED and is protected by backend idempotency.
func (c *Coordinator) Replay(ctx context.Context) error {
	raw, err := c.breaker.Execute(circuitbreaker.ServiceStoreAPI, func() (any, error) {
		return c.gateway.GetAvailablePurchases(ctx)
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConnection, "list available purchases", err)
	}
	receipts := raw.([]store.Receipt)

	var wg sync.WaitGroup
	for _, receipt := range receipts {
		c.metrics.ObserveReplay()
		wg.Add(1)
		go func(r store.Receipt) {
			defer wg.Done()
			if err := c.HandleReceipt(ctx, r); err != nil {
				c.logger.Warn().
					Err(err).
					Str("purchase_token", logger.TruncateToken(r.PurchaseToken)).
					Msg("reconcile.replay_failed")
			}
		}(receipt)
	}
	wg.Wait()
	return nil
}

// HandleReceipt walks one receipt through the state machine. Duplicate
// events for an already-credited token are no-ops that still finalize the
// store transaction if that step was lost.
func (c *Coordinator) HandleReceipt(ctx context.Context, receipt store.Receipt) error {
	unlock := c.lockToken(receipt.PurchaseToken)
	defer unlock()

	// Duplicate short-circuit: the token was already credited, either in
	// this process (cache) or in a live record.
	if cached, found := c.credits.Get(ctx, receipt.PurchaseToken); found {
		c.metrics.ObserveDuplicate("credit_cache")
		c.logger.Debug().
			Str("purchase_token", logger.TruncateToken(receipt.PurchaseToken)).
			Str("product_id", cached.ProductID).
			Msg("reconcile.duplicate_event")
		c.finalize(ctx, receipt.PurchaseToken)
		return nil
	}

	rec := c.ensureRecord(receipt)
	start := rec.StartedAt

	// INITIATED -> PENDING_REGISTERED. The amount comes from the fixed
	// table; an unmapped product fails here, before any network call.
	amount, err := c.pricing.Resolve(receipt.ProductID)
	if err != nil {
		return c.fail(ctx, rec, err)
	}

	var pending ledger.PendingPayment
	err = c.withRetry(ctx, "register_pending", &rec.Attempts, func() error {
		var callErr error
		pending, callErr = c.ledger.RegisterPending(ctx, receipt.ProductID, amount)
		return callErr
	})
	if err != nil {
		return c.fail(ctx, rec, err)
	}
	rec.PendingPaymentID = pending.ID
	c.transition(ctx, rec, StatePendingRegistered, "")

	// PENDING_REGISTERED -> SUBMITTED. Safe to retry: the ledger is
	// idempotent on purchase token.
	var result ledger.CreditResult
	err = c.withRetry(ctx, "submit_purchase", &rec.Attempts, func() error {
		var callErr error
		result, callErr = c.ledger.SubmitPurchase(ctx, receipt)
		return callErr
	})
	if err != nil {
		return c.fail(ctx, rec, err)
	}
	c.transition(ctx, rec, StateSubmitted, "")

	// Subscriptions need an entitlement check before crediting counts;
	// consumables are credited by the submit result itself.
	if receipt.Kind == store.KindSubscription {
		err = c.withRetry(ctx, "verify_purchase", &rec.Attempts, func() error {
			_, callErr := c.ledger.Verify(ctx, receipt.PurchaseToken, receipt.ProductID, receipt.PackageName, true)
			return callErr
		})
		if err != nil {
			return c.fail(ctx, rec, err)
		}
		c.transition(ctx, rec, StateVerified, "")
	}

	rec.CreditedAmount = result.CreditedAmount
	c.transition(ctx, rec, StateCredited, "")

	if result.AlreadyProcessed {
		c.metrics.ObserveDuplicate("ledger")
	} else {
		c.metrics.ObserveCredit(receipt.ProductID, result.CreditedAmount)
	}

	c.credits.Set(ctx, receipt.PurchaseToken, &idempotency.CreditRecord{
		ProductID:  receipt.ProductID,
		Result:     result,
		CreditedAt: time.Now().UTC(),
	}, c.creditTTL)

	// Only now, with the credit confirmed, is the transaction removed from
	// the store's pending queue.
	c.finalize(ctx, receipt.PurchaseToken)

	c.metrics.ObserveReconciliation("credited", receipt.ProductID, time.Since(start))
	c.dropRecord(receipt.PurchaseToken)

	c.logger.Info().
		Str("purchase_token", logger.TruncateToken(receipt.PurchaseToken)).
		Str("product_id", receipt.ProductID).
		Int64("credited_amount", result.CreditedAmount).
		Bool("already_processed", result.AlreadyProcessed).
		Msg("reconcile.credited")

	return nil
}

// handleFailure processes a store-delivered purchase error. Cancellations
// carry no token, so there is nothing to record or retry.
func (c *Coordinator) handleFailure(failure *store.PurchaseFailure) {
	if failure.Code == store.FailureUserCancelled {
		c.logger.Debug().
			Str("product_id", failure.ProductID).
			Msg("reconcile.purchase_cancelled")
		return
	}
	c.logger.Warn().
		Str("code", string(failure.Code)).
		Str("product_id", failure.ProductID).
		Str("message", failure.Message).
		Msg("reconcile.purchase_error")
}

// fail marks the record FAILED and surfaces the error. The store transaction
// is left unfinished on purpose so a later replay can re-attempt.
func (c *Coordinator) fail(ctx context.Context, rec *Record, err error) error {
	rec.LastError = err.Error()
	c.transition(ctx, rec, StateFailed, err.Error())
	c.metrics.ObserveReconciliation("failed", rec.ProductID, time.Since(rec.StartedAt))
	c.dropRecord(rec.PurchaseToken)

	c.logger.Error().
		Err(err).
		Str("purchase_token", logger.TruncateToken(rec.PurchaseToken)).
		Str("product_id", rec.ProductID).
		Msg("reconcile.failed")

	return err
}

// finalize removes the transaction from the store's pending queue. Errors
// are logged, not returned: the credit is already safe, and a later
// duplicate event retriggers finalization.
func (c *Coordinator) finalize(ctx context.Context, purchaseToken string) {
	if err := c.gateway.FinishTransaction(ctx, purchaseToken); err != nil {
		c.logger.Warn().
			Err(err).
			Str("purchase_token", logger.TruncateToken(purchaseToken)).
			Msg("reconcile.finalize_failed")
		return
	}
	c.metrics.ObserveFinalization()
}

// ensureRecord returns the live record for the token, creating it at
// INITIATED when the event is the first observation.
func (c *Coordinator) ensureRecord(receipt store.Receipt) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[receipt.PurchaseToken]; ok {
		return rec
	}

	now := time.Now().UTC()
	rec := &Record{
		PurchaseToken: receipt.PurchaseToken,
		ProductID:     receipt.ProductID,
		State:         StateInitiated,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	c.records[receipt.PurchaseToken] = rec

	c.appendJournal(context.Background(), journal.Entry{
		PurchaseToken: rec.PurchaseToken,
		ProductID:     rec.ProductID,
		ToState:       string(StateInitiated),
		At:            now,
	})
	return rec
}

// transition advances the record and journals the step.
func (c *Coordinator) transition(ctx context.Context, rec *Record, to State, reason string) {
	from := rec.State
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()

	c.appendJournal(ctx, journal.Entry{
		PurchaseToken: rec.PurchaseToken,
		ProductID:     rec.ProductID,
		FromState:     string(from),
		ToState:       string(to),
		Reason:        reason,
		Attempt:       rec.Attempts,
		At:            rec.UpdatedAt,
	})
}

// appendJournal writes an audit entry; journal outages never block the flow.
func (c *Coordinator) appendJournal(ctx context.Context, entry journal.Entry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(ctx, entry); err != nil {
		c.logger.Warn().Err(err).Msg("reconcile.journal_append_failed")
	}
}

// Record returns a snapshot of the live record for a token, if any.
func (c *Coordinator) Record(purchaseToken string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[purchaseToken]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// InFlight returns the number of live reconciliation records.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func (c *Coordinator) dropRecord(purchaseToken string) {
	c.mu.Lock()
	delete(c.records, purchaseToken)
	c.mu.Unlock()
}

// lockToken acquires the per-token guard, creating it on first use and
// dropping it once the last holder releases.
func (c *Coordinator) lockToken(purchaseToken string) func() {
	c.mu.Lock()
	l, ok := c.locks[purchaseToken]
	if !ok {
		l = &tokenLock{}
		c.locks[purchaseToken] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, purchaseToken)
		}
		c.mu.Unlock()
	}
}
