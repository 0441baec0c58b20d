package errors

// Code is a machine-readable identifier for a reconciliation failure.
// The set is closed: callers branch exhaustively on retryable vs. terminal
// kinds instead of string-matching error messages.
type Code string

// Store-side failures.
const (
	// CodeConnection means the platform store is unreachable or unsupported
	// on this device. Fatal for the attempt; no credit risk since no token
	// was consumed.
	CodeConnection Code = "connection_error"

	// CodeProductFetch means the catalog could not be loaded. Blocks purchase
	// initiation only; never affects an in-flight reconciliation.
	CodeProductFetch Code = "product_fetch_error"

	// CodeUserCancelled is a store-reported cancellation. Terminal, no retry,
	// and no bookkeeping: the store never issued a token.
	CodeUserCancelled Code = "user_cancelled"
)

// Backend-side failures.
const (
	// CodeUnknownProduct means the product id has no amount mapping.
	// Misconfiguration; surfaced immediately, never sent over the wire.
	CodeUnknownProduct Code = "unknown_product"

	// CodeNetwork is transient backend/store I/O. Retried with backoff up to
	// a bounded attempt count.
	CodeNetwork Code = "network_error"

	// CodeBackendRejected is a semantic rejection from the ledger, e.g. the
	// token was already consumed by a different pending payment.
	CodeBackendRejected Code = "backend_rejected"

	// CodeVerificationFailure means the verification service judged the
	// receipt invalid, as opposed to being unreachable.
	CodeVerificationFailure Code = "verification_failure"
)

// System failures.
const (
	CodeInternal Code = "internal_error"
	CodeConfig   Code = "config_error"
)

// IsRetryable reports whether an attempt carrying this code may be retried.
// Only transient I/O qualifies; semantic rejections and misconfiguration
// must not be retried because the outcome cannot change.
func (c Code) IsRetryable() bool {
	return c == CodeNetwork
}

// IsTerminal reports whether the code ends the reconciliation attempt with a
// FAILED record. Cancellations are terminal but deliberately excluded: they
// leave nothing to record.
func (c Code) IsTerminal() bool {
	switch c {
	case CodeUnknownProduct, CodeBackendRejected, CodeVerificationFailure:
		return true
	default:
		return false
	}
}
