package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "fulfillment"

// Checkout outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeDegraded = "degraded"
	OutcomeFailed   = "failed"
)

// FulfillmentMetrics counts the money and stock moving events of the order
// pipeline. A nil receiver is a no-op so services can run without a registry.
type FulfillmentMetrics struct {
	checkouts       *prometheus.CounterVec
	refunds         *prometheus.CounterVec
	oversells       prometheus.Counter
	retryAttempts   *prometheus.CounterVec
	retryExhausted  *prometheus.CounterVec
	webhookEvents   *prometheus.CounterVec
	reconciliations prometheus.Gauge
}

// NewFulfillmentMetrics registers the pipeline metrics on reg.
func NewFulfillmentMetrics(reg prometheus.Registerer) *FulfillmentMetrics {
	if reg == nil {
		return &FulfillmentMetrics{}
	}
	m := &FulfillmentMetrics{
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by payment method and outcome.",
		}, []string{"method", "outcome"}),
		refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunds_total",
			Help:      "Refunds issued through the gateway.",
		}, []string{"actor"}),
		oversells: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inventory_oversell_total",
			Help:      "Stock decrements that left a size below zero.",
		}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Attempts made by supervised background tasks.",
		}, []string{"task"}),
		retryExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_exhausted_total",
			Help:      "Supervised tasks that ran out of attempts.",
		}, []string{"task"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound webhook deliveries by source and outcome.",
		}, []string{"source", "outcome"}),
		reconciliations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_open",
			Help:      "Orders currently flagged for manual reconciliation.",
		}),
	}
	reg.MustRegister(m.checkouts, m.refunds, m.oversells, m.retryAttempts, m.retryExhausted, m.webhookEvents, m.reconciliations)
	return m
}

func (m *FulfillmentMetrics) IncCheckout(method, outcome string) {
	if m == nil || m.checkouts == nil {
		return
	}
	m.checkouts.WithLabelValues(normalizeLabel(method), normalizeLabel(outcome)).Inc()
}

func (m *FulfillmentMetrics) IncRefund(actor string) {
	if m == nil || m.refunds == nil {
		return
	}
	m.refunds.WithLabelValues(normalizeLabel(actor)).Inc()
}

func (m *FulfillmentMetrics) IncOversell() {
	if m == nil || m.oversells == nil {
		return
	}
	m.oversells.Inc()
}

func (m *FulfillmentMetrics) IncRetryAttempt(task string) {
	if m == nil || m.retryAttempts == nil {
		return
	}
	m.retryAttempts.WithLabelValues(normalizeLabel(task)).Inc()
}

func (m *FulfillmentMetrics) IncRetryExhausted(task string) {
	if m == nil || m.retryExhausted == nil {
		return
	}
	m.retryExhausted.WithLabelValues(normalizeLabel(task)).Inc()
}

func (m *FulfillmentMetrics) IncWebhook(source, outcome string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalizeLabel(source), normalizeLabel(outcome)).Inc()
}

func (m *FulfillmentMetrics) SetOpenReconciliations(n int64) {
	if m == nil || m.reconciliations == nil {
		return
	}
	m.reconciliations.Set(float64(n))
}
