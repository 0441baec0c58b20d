package ledger

import "time"

// PendingStatus is the backend-owned lifecycle of a pending payment. The
// client only ever observes it; transitions happen server-side.
type PendingStatus string

const (
	PendingCreated  PendingStatus = "created"
	PendingConsumed PendingStatus = "consumed"
	PendingExpired  PendingStatus = "expired"
)

// PendingPayment is the intent-to-pay record registered with the ledger
// before a purchase is submitted.
type PendingPayment struct {
	ID        string
	ProductID string
	Amount    int64
	Status    PendingStatus
	CreatedAt time.Time
}

// CreditResult is the ledger's answer to a purchase submission. The backend
// is idempotent on purchase token: resubmitting an already-processed token
// returns the prior result with AlreadyProcessed set.
type CreditResult struct {
	Credited         bool
	CreditedAmount   int64
	AlreadyProcessed bool
}

// VerificationResult confirms entitlement status independent of crediting.
type VerificationResult struct {
	Valid     bool
	ExpiresAt *time.Time
}

// Wire types. JSON over HTTPS; all three calls are idempotent keyed by the
// purchaseToken/productId pair.

type createPendingRequest struct {
	ProductID string `json:"productId"`
	Amount    int64  `json:"amount"`
}

type createPendingResponse struct {
	PendingPaymentID string `json:"pendingPaymentId"`
	Status           string `json:"status"`
}

type purchaseEventRequest struct {
	PurchaseToken string `json:"purchaseToken"`
	OrderID       string `json:"orderId"`
	PackageName   string `json:"packageName"`
	ProductID     string `json:"productId"`
}

type purchaseEventResponse struct {
	Credited         bool  `json:"credited"`
	CreditedAmount   int64 `json:"creditedAmount"`
	AlreadyProcessed bool  `json:"alreadyProcessed"`
}

type verifyPurchaseRequest struct {
	PurchaseToken  string `json:"purchaseToken"`
	ProductID      string `json:"productId"`
	PackageName    string `json:"packageName"`
	IsSubscription bool   `json:"isSubscription"`
}

type verifyPurchaseResponse struct {
	Valid     bool       `json:"valid"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
