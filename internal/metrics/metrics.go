package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the purchase reconciler.
type Metrics struct {
	// Reconciliation outcomes
	ReconciliationsTotal   *prometheus.CounterVec
	ReconciliationDuration *prometheus.HistogramVec
	CreditsTotal           *prometheus.CounterVec
	CreditedAmountTotal    *prometheus.CounterVec
	DuplicateEventsTotal   *prometheus.CounterVec

	// Ledger calls
	LedgerCallsTotal   *prometheus.CounterVec
	LedgerCallDuration *prometheus.HistogramVec

	// Retry behaviour
	RetryAttemptsTotal *prometheus.CounterVec

	// Store interaction
	FinalizationsTotal prometheus.Counter
	ReplayedTotal      prometheus.Counter
	CatalogFetchTotal  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		ReconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vox_reconciliations_total",
				Help: "Reconciliation attempts by terminal outcome",
			},
			[]string{"outcome", "product"},
		),
		ReconciliationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vox_reconciliation_duration_seconds",
				Help:    "Time from purchase event to terminal state",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		CreditsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vox_credits_total",
				Help: "Entitlements credited, by product",
			},
			[]string{"product"},
		),
		CreditedAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vox_credited_amount_total",
				Help: "Total credited amount in product units",
			},
			[]string{"product"},
		),
		DuplicateEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vox_duplicate_events_total",
				Help: "Purchase-update events observed for an already-credited token",
			},
			[]string{"source"},
		),
		LedgerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vox_ledger_calls_total",
				Help: "Backend ledger calls by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
		LedgerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vox_ledger_call_duration_seconds",
				Help:    "Backend ledger call latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"endpoint"},
		),
		RetryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vox_retry_attempts_total",
				Help: "Retry attempts for transient ledger failures, by operation",
			},
			[]string{"operation"},
		),
		FinalizationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vox_finalizations_total",
				Help: "Store transactions finalized after successful crediting",
			},
		),
		ReplayedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "vox_replayed_purchases_total",
				Help: "Receipts re-driven from the store's pending queue on replay",
			},
		),
		CatalogFetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vox_catalog_fetch_total",
				Help: "Product catalog fetches by result",
			},
			[]string{"result"},
		),
	}
}

// ObserveReconciliation records a terminal reconciliation outcome.
func (m *Metrics) ObserveReconciliation(outcome, product string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconciliationsTotal.WithLabelValues(outcome, product).Inc()
	m.ReconciliationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveCredit records a successful entitlement grant.
func (m *Metrics) ObserveCredit(product string, amount int64) {
	if m == nil {
		return
	}
	m.CreditsTotal.WithLabelValues(product).Inc()
	m.CreditedAmountTotal.WithLabelValues(product).Add(float64(amount))
}

// ObserveLedgerCall records a backend call's endpoint, status, and latency.
func (m *Metrics) ObserveLedgerCall(endpoint, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LedgerCallsTotal.WithLabelValues(endpoint, status).Inc()
	m.LedgerCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// ObserveCatalogFetch records a product catalog fetch outcome.
func (m *Metrics) ObserveCatalogFetch(result string) {
	if m == nil {
		return
	}
	m.CatalogFetchTotal.WithLabelValues(result).Inc()
}

// ObserveRetry records one retry attempt for an operation.
func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.RetryAttemptsTotal.WithLabelValues(operation).Inc()
}

// ObserveDuplicate records a duplicate purchase-update event.
func (m *Metrics) ObserveDuplicate(source string) {
	if m == nil {
		return
	}
	m.DuplicateEventsTotal.WithLabelValues(source).Inc()
}

// ObserveFinalization records a store transaction finalize.
func (m *Metrics) ObserveFinalization() {
	if m == nil {
		return
	}
	m.FinalizationsTotal.Inc()
}

// ObserveReplay records one receipt re-driven during startup replay.
func (m *Metrics) ObserveReplay() {
	if m == nil {
		return
	}
	m.ReplayedTotal.Inc()
}
