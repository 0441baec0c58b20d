package reconcile

import "time"

// State is the per-token reconciliation state.
//
//	INITIATED --(register pending ok)--> PENDING_REGISTERED
//	PENDING_REGISTERED --(submit ok)--> SUBMITTED
//	SUBMITTED --(verify ok, subscriptions)--> VERIFIED --> CREDITED
//	SUBMITTED --(consumables)--> CREDITED
//	any --(non-retryable failure)--> FAILED
//
// CREDITED is the only state from which the store transaction is finalized.
// FAILED leaves the transaction in the store's pending queue on purpose, so
// the next launch's replay re-enters at INITIATED for the same token and
// re-walks the machine under the ledger's idempotency.
type State string

const (
	StateInitiated         State = "INITIATED"
	StatePendingRegistered State = "PENDING_REGISTERED"
	StateSubmitted         State = "SUBMITTED"
	StateVerified          State = "VERIFIED"
	StateCredited          State = "CREDITED"
	StateFailed            State = "FAILED"
)

// Record tracks one in-flight reconciliation, keyed by purchase token. It is
// a cache over externally durable state (the store's pending queue plus the
// ledger), not the durability layer: losing it costs nothing but a replay.
type Record struct {
	PurchaseToken    string
	ProductID        string
	State            State
	PendingPaymentID string
	CreditedAmount   int64
	Attempts         int
	LastError        string
	StartedAt        time.Time
	UpdatedAt        time.Time
}
