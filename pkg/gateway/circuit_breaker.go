package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before one probe call is let through (default: 30 seconds)
	ResetTimeout time.Duration

	// IsFailure decides which errors count against the ledger.
	// Default: every error except context cancellation by the caller and
	// rejected arguments.
	IsFailure func(err error) bool
}

// CircuitBreaker defines the interface for a circuit breaker.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker counts consecutive failures. While half-open exactly
// one call probes the ledger; concurrent callers fail fast until it returns.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	config   CircuitBreakerConfig
	state    CircuitBreakerState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
// onStateChange runs with the breaker locked and must not call back into it.
func NewDefaultCircuitBreaker(config CircuitBreakerConfig,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.IsFailure == nil {
		config.IsFailure = countsAsLedgerFailure
	}
	return &DefaultCircuitBreaker{
		config:        config,
		state:         StateClosed,
		now:           time.Now,
		onStateChange: onStateChange,
	}
}

func countsAsLedgerFailure(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, ErrValidation) &&
		!errors.Is(err, ErrInvalidAmount)
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

// advance moves an expired open circuit to half-open; callers hold cb.mu
func (cb *DefaultCircuitBreaker) advance() {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		cb.setState(StateHalfOpen)
	}
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	cb.mu.Lock()
	cb.advance()
	switch {
	case cb.state == StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.probing:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case cb.state == StateHalfOpen:
		cb.probing = true
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	switch {
	case err == nil:
		cb.failures = 0
		cb.setState(StateClosed)
	case cb.config.IsFailure(err):
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = cb.now()
			cb.setState(StateOpen)
		}
	case cb.state == StateHalfOpen:
		// the probe never got an answer; openedAt is kept so the next call probes again
		cb.setState(StateOpen)
	}
	return err
}

func (cb *DefaultCircuitBreaker) setState(state CircuitBreakerState) {
	if cb.state == state {
		return
	}
	cb.state = state
	if cb.onStateChange != nil {
		cb.onStateChange(state)
	}
}

// CircuitBreakerLedger wraps a Ledger with circuit breaker protection.
// Only ledger errors count as failures; an insufficient balance is a normal result.
type CircuitBreakerLedger struct {
	ledger Ledger
	cb     CircuitBreaker
}

// NewCircuitBreakerLedger creates a new ledger wrapper with circuit breaker.
func NewCircuitBreakerLedger(ledger Ledger, cb CircuitBreaker) *CircuitBreakerLedger {
	return &CircuitBreakerLedger{
		ledger: ledger,
		cb:     cb,
	}
}

func (l *CircuitBreakerLedger) Debit(ctx context.Context, userID string, cost int) (*DebitResult, error) {
	var res *DebitResult
	err := l.cb.Execute(ctx, func() error {
		var e error
		res, e = l.ledger.Debit(ctx, userID, cost)
		return e
	})
	if errors.Is(err, ErrCircuitOpen) {
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return res, err
}

func (l *CircuitBreakerLedger) Credit(ctx context.Context, req *CreditRequest) (*Balance, error) {
	var bal *Balance
	duplicate := false
	err := l.cb.Execute(ctx, func() error {
		var e error
		bal, e = l.ledger.Credit(ctx, req)
		if errors.Is(e, ErrIdempotencyKeyExists) {
			// a duplicate is an answer from a healthy ledger
			duplicate = true
			return nil
		}
		return e
	})
	if duplicate {
		return bal, ErrIdempotencyKeyExists
	}
	return bal, err
}

func (l *CircuitBreakerLedger) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	var bal *Balance
	err := l.cb.Execute(ctx, func() error {
		var e error
		bal, e = l.ledger.GetBalance(ctx, userID)
		return e
	})
	return bal, err
}

func (l *CircuitBreakerLedger) DeleteAccount(ctx context.Context, userID string) error {
	return l.cb.Execute(ctx, func() error {
		return l.ledger.DeleteAccount(ctx, userID)
	})
}
