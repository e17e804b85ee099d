package gateway

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned when a request is missing a required field
	ErrValidation = errors.New("invalid request")

	// ErrUnknownFeature is returned when the feature id resolves to no fragment
	ErrUnknownFeature = fmt.Errorf("%w: unknown feature", ErrValidation)

	// ErrInsufficientCredits is returned when the ledger refuses a debit for balance reasons
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrLedgerUnavailable is returned when the ledger could not be reached
	ErrLedgerUnavailable = errors.New("credit ledger unavailable")

	// ErrPolicyStop is returned when the model halted for a non-normal reason
	ErrPolicyStop = errors.New("generation stopped by model")

	// ErrTextualRefusal is returned when the model answered with text instead of an image
	ErrTextualRefusal = errors.New("model returned text instead of an image")

	// ErrMalformedResponse is returned when the model returned no usable content
	ErrMalformedResponse = errors.New("model returned neither an image nor an explanation")

	// ErrModelTransport is returned when the model call itself failed
	ErrModelTransport = errors.New("model call failed")

	// ErrInvalidAmount is returned for non-positive credit amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidUserID is returned by ledgers for a blank user id
	ErrInvalidUserID = fmt.Errorf("%w: user id is required", ErrValidation)

	// ErrIdempotencyKeyExists is returned when a credit with the same key was already applied
	ErrIdempotencyKeyExists = errors.New("idempotency key already processed")

	// ErrStorageUnavailable is returned by storage adapters when the backend is unreachable
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InsufficientCreditsError carries the ledger's refusal
type InsufficientCreditsError struct {
	Debit *DebitResult
}

func (e *InsufficientCreditsError) Error() string {
	if e.Debit != nil && e.Debit.Reason != "" {
		return e.Debit.Reason
	}
	return ErrInsufficientCredits.Error()
}

func (e *InsufficientCreditsError) Unwrap() error { return ErrInsufficientCredits }

// PolicyStopError carries the finish reason and safety metadata of a stopped generation
type PolicyStopError struct {
	Reason        string
	SafetyRatings []SafetyRating
}

func (e *PolicyStopError) Error() string {
	return fmt.Sprintf("%s: %s", ErrPolicyStop.Error(), e.Reason)
}

func (e *PolicyStopError) Unwrap() error { return ErrPolicyStop }

// RefusalError carries the model's explanatory text verbatim
type RefusalError struct {
	Text string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("%s: %q", ErrTextualRefusal.Error(), e.Text)
}

func (e *RefusalError) Unwrap() error { return ErrTextualRefusal }

// Classification names the outcome of a generation for logs and metrics
type Classification string

const (
	ClassSuccess        Classification = "success"
	ClassValidation     Classification = "validation"
	ClassInsufficient   Classification = "insufficient_credits"
	ClassLedger         Classification = "ledger_unavailable"
	ClassPolicyStop     Classification = "policy_stop"
	ClassRefusal        Classification = "textual_refusal"
	ClassMalformed      Classification = "malformed_response"
	ClassModelTransport Classification = "model_transport"
	ClassInternal       Classification = "internal"
)

// Classify maps a gateway error to its classification
func Classify(err error) Classification {
	switch {
	case err == nil:
		return ClassSuccess
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrInsufficientCredits):
		return ClassInsufficient
	case errors.Is(err, ErrLedgerUnavailable):
		return ClassLedger
	case errors.Is(err, ErrPolicyStop):
		return ClassPolicyStop
	case errors.Is(err, ErrTextualRefusal):
		return ClassRefusal
	case errors.Is(err, ErrMalformedResponse):
		return ClassMalformed
	case errors.Is(err, ErrModelTransport):
		return ClassModelTransport
	default:
		return ClassInternal
	}
}

// CheckDebit validates the arguments of Ledger.Debit. Every Ledger
// implementation calls it before touching its backend.
func CheckDebit(userID string, cost int) error {
	if isBlank(userID) {
		return ErrInvalidUserID
	}
	if cost <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
