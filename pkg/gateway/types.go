package gateway

import (
	"strings"
)

const (
	// DefaultCost is charged when a fragment carries no positive cost
	DefaultCost = 3

	// DefaultModelID is used when a fragment does not name a model
	DefaultModelID = "gemini-2.5-flash-image"

	// FinishReasonStop is the only finish reason treated as a normal completion
	FinishReasonStop = "STOP"
)

// Fragment is a stored prompt unit, either feature-level or option-level
type Fragment struct {
	ID string

	// Instruction is the positive instruction text
	Instruction string

	// NegativePrompt lists elements the generator must not include (optional)
	NegativePrompt string

	// Cost is the credit cost (0 means "absent", see EffectiveCost)
	Cost int

	// ModelID names the generation model (empty means "absent", see EffectiveModelID)
	ModelID string
}

// EffectiveCost returns the fragment cost with the default applied
func (f *Fragment) EffectiveCost(fallback int) int {
	if f.Cost > 0 {
		return f.Cost
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultCost
}

// EffectiveModelID returns the fragment model with the default applied
func (f *Fragment) EffectiveModelID(fallback string) string {
	if id := strings.TrimSpace(f.ModelID); id != "" {
		return id
	}
	if fallback != "" {
		return fallback
	}
	return DefaultModelID
}

// GenerationRequest is one inbound generation call. It is never persisted.
type GenerationRequest struct {
	UserID         string
	FeatureID      string
	Option1ID      string
	Option2ID      string
	PrimaryImage   []byte
	SecondaryImage []byte
}

// FragmentIDs returns the feature id followed by the option ids, deduplicated
// and with empty ids removed
func (r *GenerationRequest) FragmentIDs() []string {
	ids := make([]string, 0, 3)
	seen := make(map[string]bool, 3)
	for _, id := range []string{r.FeatureID, r.Option1ID, r.Option2ID} {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Image is a generated image payload
type Image struct {
	MIMEType string
	Data     []byte
}

// Result is the successful outcome of a generation
type Result struct {
	Image      *Image
	FeatureID  string
	ModelID    string
	Cost       int
	NewBalance int
}

// CreditSource identifies which portion of a balance a grant lands in
type CreditSource string

const (
	// CreditSourceSubscription is renewed by the purchase platform each cycle
	CreditSourceSubscription CreditSource = "subscription"
	// CreditSourcePack is bought once and never expires
	CreditSourcePack CreditSource = "pack"
)

// Balance is a user's spendable credit balance split by origin
type Balance struct {
	UserID       string
	Subscription int
	Pack         int
}

// Total returns the spendable total
func (b Balance) Total() int {
	return b.Subscription + b.Pack
}

// DebitResult is the outcome of an atomic debit.
// Success false with a nil error means the balance was insufficient.
type DebitResult struct {
	Success       bool   `json:"success"`
	NewBalance    int    `json:"new_balance"`
	Reason        string `json:"reason,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// CreditRequest adds credits to a user's balance
type CreditRequest struct {
	UserID         string
	Amount         int
	Source         CreditSource
	IdempotencyKey string
	Reason         string
}

// Part is one element of a multimodal model payload or response.
// Exactly one of Text or InlineData is set.
type Part struct {
	Text       string
	InlineData *Blob
}

// Blob is inline binary content with its declared mime type
type Blob struct {
	MIMEType string
	Data     []byte
}

// SafetyRating is classification metadata attached to a model response
type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// ModelResponse is the raw response of the generation model, reduced to the
// fields the interpreter needs
type ModelResponse struct {
	// FinishReason of the first candidate; empty when absent
	FinishReason string

	// BlockReason is set when the prompt itself was blocked and no candidate exists
	BlockReason string

	SafetyRatings []SafetyRating

	// Parts of the first candidate's content
	Parts []Part
}

// Deduct returns the balance after drawing cost, subscription credits first.
// ok is false, and the balance unchanged, when the total does not cover cost.
func (b Balance) Deduct(cost int) (next Balance, ok bool) {
	if cost < 0 || b.Total() < cost {
		return b, false
	}
	next = b
	fromSub := min(cost, next.Subscription)
	next.Subscription -= fromSub
	next.Pack -= cost - fromSub
	return next, true
}
