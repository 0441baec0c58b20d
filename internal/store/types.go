package store

import (
	"context"
	"time"
)

// Platform identifies the store that issued a receipt.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ProductKind distinguishes one-shot purchases from renewing subscriptions.
type ProductKind string

const (
	KindConsumable   ProductKind = "consumable"
	KindSubscription ProductKind = "subscription"
)

// Product is a purchasable definition as reported by the platform store.
// Immutable once fetched.
type Product struct {
	ID           string
	Kind         ProductKind
	Title        string
	DisplayPrice string            // localized, for display only, never for crediting
	Metadata     map[string]string // raw store fields we pass through untouched
}

// Receipt is the store-issued proof of purchase delivered on a
// purchase-update event. The purchase token is opaque, store-assigned, and
// globally unique per transaction.
type Receipt struct {
	PurchaseToken string
	OrderID       string
	ProductID     string
	PackageName   string
	Platform      Platform
	Kind          ProductKind
	PurchasedAt   time.Time
}

// FailureCode classifies store-delivered purchase errors.
type FailureCode string

const (
	FailureUserCancelled    FailureCode = "user_cancelled"
	FailureStoreUnavailable FailureCode = "store_unavailable"
	FailureItemUnavailable  FailureCode = "item_unavailable"
	FailureUnknown          FailureCode = "unknown"
)

// PurchaseFailure is a store-delivered purchase-error event.
type PurchaseFailure struct {
	Code      FailureCode
	ProductID string
	Message   string
}

// Event is a tagged union over the store's two event streams: exactly one of
// Receipt or Failure is non-nil.
type Event struct {
	Receipt *Receipt
	Failure *PurchaseFailure
}

// Gateway is the platform store subsystem. The reconciler only consumes this
// interface; the native transaction queue behind it is out of scope. Receipts
// stay in the store's pending queue until FinishTransaction, which is the
// durability anchor for crash recovery.
type Gateway interface {
	// InitConnection establishes the store session.
	InitConnection(ctx context.Context) error

	// EndConnection tears the session down.
	EndConnection(ctx context.Context) error

	// GetProducts fetches product definitions for the given identifiers.
	GetProducts(ctx context.Context, ids []string) ([]Product, error)

	// RequestPurchase starts a consumable purchase flow. The result arrives
	// asynchronously on Events, possibly before this call returns.
	RequestPurchase(ctx context.Context, productID string) error

	// RequestSubscription starts a subscription purchase flow.
	RequestSubscription(ctx context.Context, productID string) error

	// GetAvailablePurchases lists receipts still in the store's pending
	// queue, i.e. purchases that were never finished. Used for replay.
	GetAvailablePurchases(ctx context.Context) ([]Receipt, error)

	// FinishTransaction removes the purchase identified by the token from
	// the store's pending queue. Called exactly once per credited purchase.
	FinishTransaction(ctx context.Context, purchaseToken string) error

	// Events is the store's asynchronous purchase-update / purchase-error
	// stream. The store may redeliver events for the same token on
	// relaunch, retry, or multi-device sync.
	Events() <-chan Event
}
