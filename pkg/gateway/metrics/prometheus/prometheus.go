package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

// Metrics implements gateway.Metrics using Prometheus.
type Metrics struct {
	generationsTotal           *prometheus.CounterVec
	generationDuration         *prometheus.HistogramVec
	debitsTotal                *prometheus.CounterVec
	creditsSpentTotal          *prometheus.CounterVec
	refundsTotal               *prometheus.CounterVec
	ledgerOpsDuration          *prometheus.HistogramVec
	ledgerOpsErrors            *prometheus.CounterVec
	modelCallDuration          *prometheus.HistogramVec
	modelCallErrors            *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		generationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Total number of generation requests by outcome.",
		}, []string{"feature", "outcome"}),

		generationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "End-to-end latency of generation requests.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"feature"}),

		debitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_debits_total",
			Help:      "Total number of debit attempts.",
		}, []string{"feature", "success"}),

		creditsSpentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_spent_total",
			Help:      "Total credits debited.",
		}, []string{"feature"}),

		refundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_refunds_total",
			Help:      "Total number of refund attempts after failed generations.",
		}, []string{"feature", "success"}),

		ledgerOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Latency of ledger operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		ledgerOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operation_errors_total",
			Help:      "Total number of ledger operation errors.",
		}, []string{"operation"}),

		modelCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Latency of generation model calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"model"}),

		modelCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_call_errors_total",
			Help:      "Total number of failed generation model calls.",
		}, []string{"model"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordGeneration(featureID string, class gateway.Classification, duration time.Duration) {
	m.generationsTotal.WithLabelValues(featureID, string(class)).Inc()
	m.generationDuration.WithLabelValues(featureID).Observe(duration.Seconds())
}

func (m *Metrics) RecordDebit(featureID string, cost int, success bool) {
	m.debitsTotal.WithLabelValues(featureID, strconv.FormatBool(success)).Inc()
	if success {
		m.creditsSpentTotal.WithLabelValues(featureID).Add(float64(cost))
	}
}

func (m *Metrics) RecordRefund(featureID string, _ int, err error) {
	m.refundsTotal.WithLabelValues(featureID, strconv.FormatBool(err == nil)).Inc()
}

func (m *Metrics) RecordLedgerOperation(operation string, duration time.Duration, err error) {
	m.ledgerOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.ledgerOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordModelCall(modelID string, duration time.Duration, err error) {
	m.modelCallDuration.WithLabelValues(modelID).Observe(duration.Seconds())
	if err != nil {
		m.modelCallErrors.WithLabelValues(modelID).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

var _ gateway.Metrics = (*Metrics)(nil)
