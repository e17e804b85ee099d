package gateway

import "time"

// Metrics defines the interface for tracking gateway operations and performance.
type Metrics interface {
	// RecordGeneration records the final outcome of one generation request.
	RecordGeneration(featureID string, class Classification, duration time.Duration)

	// RecordDebit records a debit attempt and, on success, the credits spent.
	RecordDebit(featureID string, cost int, success bool)

	// RecordRefund records a compensating credit after a failed generation.
	RecordRefund(featureID string, amount int, err error)

	// RecordLedgerOperation records the duration and status of a ledger operation.
	RecordLedgerOperation(operation string, duration time.Duration, err error)

	// RecordModelCall records the duration and status of a model call.
	RecordModelCall(modelID string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordGeneration(featureID string, class Classification, duration time.Duration) {}
func (n *NoopMetrics) RecordDebit(featureID string, cost int, success bool)                         {}
func (n *NoopMetrics) RecordRefund(featureID string, amount int, err error)                         {}
func (n *NoopMetrics) RecordLedgerOperation(operation string, duration time.Duration, err error)    {}
func (n *NoopMetrics) RecordModelCall(modelID string, duration time.Duration, err error)            {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                                 {}
