package gateway

import (
	"context"
)

// Ledger defines the credit ledger contract.
// All methods must be atomic with respect to concurrent calls for the same user.
type Ledger interface {
	// Debit atomically deducts cost credits if, and only if, the balance covers it.
	// Subscription credits are drawn before pack credits.
	// Insufficient balance is reported as Success=false with a nil error;
	// A blank userID or a cost below 1 is rejected (see CheckDebit) before the
	// backend is touched. Any other non-nil error means the ledger itself failed.
	Debit(ctx context.Context, userID string, cost int) (*DebitResult, error)

	// Credit atomically adds credits, creating the balance if absent.
	// Returns ErrIdempotencyKeyExists if the key was already applied.
	Credit(ctx context.Context, req *CreditRequest) (*Balance, error)

	// GetBalance returns the user's balance, or a zero balance for unknown users
	GetBalance(ctx context.Context, userID string) (*Balance, error)

	// DeleteAccount removes the user's balance and credit history
	DeleteAccount(ctx context.Context, userID string) error
}

// PromptRepository defines the prompt fragment store contract
type PromptRepository interface {
	// FetchFragments returns the fragments that exist for the given ids.
	// Missing ids are absent from the map; that is not an error.
	FetchFragments(ctx context.Context, ids []string) (map[string]*Fragment, error)
}

// Generator sends an ordered multimodal payload to a generation model
type Generator interface {
	// Generate performs one synchronous model call. Transport failures
	// (timeouts, non-2xx, network) are returned as errors.
	Generate(ctx context.Context, modelID string, parts []Part) (*ModelResponse, error)
}

// MarkerStore records per-identity one-time markers
type MarkerStore interface {
	// Seen reports whether the marker for userID is set
	Seen(ctx context.Context, userID string) (bool, error)

	// Mark sets the marker for userID
	Mark(ctx context.Context, userID string) error

	// Clear removes the marker for userID
	Clear(ctx context.Context, userID string) error
}
