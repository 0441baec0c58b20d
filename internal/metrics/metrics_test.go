package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCredit(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveCredit("coins_500", 500)
	m.ObserveCredit("coins_500", 500)

	if got := testutil.ToFloat64(m.CreditsTotal.WithLabelValues("coins_500")); got != 2 {
		t.Errorf("CreditsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CreditedAmountTotal.WithLabelValues("coins_500")); got != 1000 {
		t.Errorf("CreditedAmountTotal = %v, want 1000", got)
	}
}

func TestObserveReconciliation(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveReconciliation("credited", "coins_100", 120*time.Millisecond)
	m.ObserveReconciliation("failed", "coins_100", 80*time.Millisecond)

	if got := testutil.ToFloat64(m.ReconciliationsTotal.WithLabelValues("credited", "coins_100")); got != 1 {
		t.Errorf("credited count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReconciliationsTotal.WithLabelValues("failed", "coins_100")); got != 1 {
		t.Errorf("failed count = %v, want 1", got)
	}
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	// None of these may panic when metrics are disabled.
	m.ObserveCredit("coins_100", 100)
	m.ObserveReconciliation("credited", "coins_100", time.Second)
	m.ObserveLedgerCall("purchase-event", "ok", time.Millisecond)
	m.ObserveRetry("submit")
	m.ObserveDuplicate("listener")
	m.ObserveFinalization()
	m.ObserveReplay()
}
