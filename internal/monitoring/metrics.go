package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Order metrics
	intentsTotal     *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	orderSize        *prometheus.HistogramVec

	// Strategy metrics
	strategies  *prometheus.GaugeVec
	faultsTotal *prometheus.CounterVec

	// Risk metrics
	riskBreaches  *prometheus.CounterVec
	aggregateRisk *prometheus.GaugeVec

	// Reconciliation metrics
	driftTotal        *prometheus.CounterVec
	reconcileDuration prometheus.Histogram
	errorsTotal       *prometheus.CounterVec

	// Market data metrics
	currentPrice *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		intentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_engine_intents_total",
				Help: "Order intents created",
			},
			[]string{"venue", "symbol", "purpose"},
		),
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_engine_intent_transitions_total",
				Help: "Order intent status changes",
			},
			[]string{"status"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_engine_submit_retries_total",
				Help: "Submissions retried after a transient failure or an unresolved unknown outcome",
			},
			[]string{"venue"},
		),
		orderSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "strategy_engine_order_size",
				Help:    "Distribution of submitted order sizes",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"symbol"},
		),
		strategies: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strategy_engine_strategies",
				Help: "Strategy instances by kind and state",
			},
			[]string{"kind", "state"},
		),
		faultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_engine_faults_total",
				Help: "Strategy instances moved to Faulted",
			},
			[]string{"kind"},
		),
		riskBreaches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_engine_risk_breaches_total",
				Help: "Submissions blocked by risk limits",
			},
			[]string{"account"},
		),
		aggregateRisk: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strategy_engine_aggregate_risk_ratio",
				Help: "Aggregate exposure as a fraction of equity",
			},
			[]string{"account"},
		),
		driftTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_engine_drift_total",
				Help: "Drift raised between expected and venue exposure",
			},
			[]string{"symbol"},
		),
		reconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "strategy_engine_reconcile_duration_seconds",
				Help:    "Duration of reconciliation cycles",
				Buckets: prometheus.DefBuckets,
			},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_engine_errors_total",
				Help: "Total number of errors by category",
			},
			[]string{"category"},
		),
		currentPrice: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "strategy_engine_current_price",
				Help: "Latest price of a traded symbol",
			},
			[]string{"symbol"},
		),
	}
	m.registry.MustRegister(
		m.intentsTotal,
		m.transitionsTotal,
		m.retriesTotal,
		m.orderSize,
		m.strategies,
		m.faultsTotal,
		m.riskBreaches,
		m.aggregateRisk,
		m.driftTotal,
		m.reconcileDuration,
		m.errorsTotal,
		m.currentPrice,
	)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordIntent records a newly created intent
func (m *Metrics) RecordIntent(venue, symbol, purpose string) {
	if m == nil {
		return
	}
	m.intentsTotal.WithLabelValues(venue, symbol, purpose).Inc()
}

// RecordSubmit records the size of a submitted order
func (m *Metrics) RecordSubmit(symbol string, size float64) {
	if m == nil {
		return
	}
	m.orderSize.WithLabelValues(symbol).Observe(size)
}

// RecordTransition records an intent status change
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(status).Inc()
}

// RecordRetry records a resubmission of an existing key
func (m *Metrics) RecordRetry(venue string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(venue).Inc()
}

// SetStrategies replaces the per kind and state instance counts
func (m *Metrics) SetStrategies(counts map[[2]string]int) {
	if m == nil {
		return
	}
	m.strategies.Reset()
	for k, n := range counts {
		m.strategies.WithLabelValues(k[0], k[1]).Set(float64(n))
	}
}

// RecordFault records an instance entering Faulted
func (m *Metrics) RecordFault(kind string) {
	if m == nil {
		return
	}
	m.faultsTotal.WithLabelValues(kind).Inc()
}

// RecordRiskBreach records a blocked submission
func (m *Metrics) RecordRiskBreach(account string) {
	if m == nil {
		return
	}
	m.riskBreaches.WithLabelValues(account).Inc()
}

// SetAggregateRisk updates the aggregate exposure ratio of an account
func (m *Metrics) SetAggregateRisk(account string, ratio float64) {
	if m == nil {
		return
	}
	m.aggregateRisk.WithLabelValues(account).Set(ratio)
}

// RecordDrift records a raised drift
func (m *Metrics) RecordDrift(symbol string) {
	if m == nil {
		return
	}
	m.driftTotal.WithLabelValues(symbol).Inc()
}

// ObserveReconcile records the duration of a reconciliation cycle
func (m *Metrics) ObserveReconcile(d time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.Observe(d.Seconds())
}

// RecordError records an error metric
func (m *Metrics) RecordError(category string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(category).Inc()
}

// UpdatePrice updates the current price metric
func (m *Metrics) UpdatePrice(symbol string, price float64) {
	if m == nil {
		return
	}
	m.currentPrice.WithLabelValues(symbol).Set(price)
}
