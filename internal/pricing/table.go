package pricing

import (
	"sort"

	apperrors "github.com/voxjournal/purchases/internal/errors"
	"github.com/voxjournal/purchases/internal/store"
)

// Table is the fixed productId -> credited amount mapping. It mirrors the
// backend's authoritative pricing table; the backend re-derives the amount on
// its side, so a tampered client copy can at worst fail reconciliation, never
// inflate a credit.
type Table struct {
	amounts map[string]int64
}

// NewTable builds a table from the configured mapping.
func NewTable(amounts map[string]int64) *Table {
	copied := make(map[string]int64, len(amounts))
	for id, amount := range amounts {
		copied[id] = amount
	}
	return &Table{amounts: copied}
}

// Resolve returns the credited amount for a product id. Unmapped ids fail
// with unknown_product before any network call is made.
func (t *Table) Resolve(productID string) (int64, error) {
	amount, ok := t.amounts[productID]
	if !ok {
		return 0, apperrors.Newf(apperrors.CodeUnknownProduct, "no amount mapping for product %q", productID)
	}
	return amount, nil
}

// Known reports whether the product id has an amount mapping.
func (t *Table) Known(productID string) bool {
	_, ok := t.amounts[productID]
	return ok
}

// ProductIDs returns the mapped ids in stable order, for catalog prefetch.
func (t *Table) ProductIDs() []string {
	ids := make([]string, 0, len(t.amounts))
	for id := range t.amounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateAgainst checks that every mapped product id exists in the store
// catalog, catching drift between backend pricing and store configuration at
// startup instead of at purchase time.
func (t *Table) ValidateAgainst(products []store.Product) error {
	known := make(map[string]struct{}, len(products))
	for _, p := range products {
		known[p.ID] = struct{}{}
	}
	for id := range t.amounts {
		if _, ok := known[id]; !ok {
			return apperrors.Newf(apperrors.CodeConfig, "mapped product %q not present in store catalog", id)
		}
	}
	return nil
}
