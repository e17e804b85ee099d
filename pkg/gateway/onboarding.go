package gateway

import (
	"context"
	"errors"
	"fmt"
)

// OnboardingConfig holds onboarder configuration
type OnboardingConfig struct {
	// Ledger receives the welcome grant (required)
	Ledger Ledger

	// Markers records which identities were initialized (required)
	Markers MarkerStore

	// WelcomeCredits is granted once per identity. Zero disables the grant
	// but still marks the identity.
	WelcomeCredits int

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger
}

// InitResult describes an Initialize call
type InitResult struct {
	// Created is false when the identity had already been initialized
	Created bool     `json:"created"`
	Balance *Balance `json:"-"`
}

// Onboarder initializes and removes user accounts
type Onboarder struct {
	config OnboardingConfig
}

// NewOnboarder creates an onboarder
func NewOnboarder(config OnboardingConfig) (*Onboarder, error) {
	if config.Ledger == nil {
		return nil, fmt.Errorf("invalid config: ledger is required")
	}
	if config.Markers == nil {
		return nil, fmt.Errorf("invalid config: marker store is required")
	}
	if config.WelcomeCredits < 0 {
		return nil, fmt.Errorf("invalid config: welcome credits must not be negative")
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	return &Onboarder{config: config}, nil
}

// Initialize grants the welcome credits once per identity. Repeated calls
// return the current balance without granting again.
func (o *Onboarder) Initialize(ctx context.Context, userID string) (*InitResult, error) {
	if isBlank(userID) {
		return nil, validationError("user_id is required")
	}

	seen, err := o.config.Markers.Seen(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check init marker: %w", err)
	}
	if seen {
		bal, err := o.config.Ledger.GetBalance(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
		return &InitResult{Created: false, Balance: bal}, nil
	}

	created := true
	var bal *Balance
	if o.config.WelcomeCredits > 0 {
		bal, err = o.config.Ledger.Credit(ctx, &CreditRequest{
			UserID:         userID,
			Amount:         o.config.WelcomeCredits,
			Source:         CreditSourcePack,
			IdempotencyKey: "welcome:" + userID,
			Reason:         "welcome",
		})
		switch {
		case errors.Is(err, ErrIdempotencyKeyExists):
			// granted before the marker was written; just repair the marker
			created = false
		case err != nil:
			return nil, fmt.Errorf("grant welcome credits: %w", err)
		}
	}

	if err := o.config.Markers.Mark(ctx, userID); err != nil {
		return nil, fmt.Errorf("set init marker: %w", err)
	}

	if bal == nil {
		if bal, err = o.config.Ledger.GetBalance(ctx, userID); err != nil {
			return nil, fmt.Errorf("read balance: %w", err)
		}
	}

	if created {
		o.config.Logger.Info("user initialized",
			Field{Key: "user_id", Value: userID},
			Field{Key: "welcome_credits", Value: o.config.WelcomeCredits},
		)
	}
	return &InitResult{Created: created, Balance: bal}, nil
}

// Forget deletes the account's credits and clears its init marker
func (o *Onboarder) Forget(ctx context.Context, userID string) error {
	if isBlank(userID) {
		return validationError("user_id is required")
	}
	if err := o.config.Ledger.DeleteAccount(ctx, userID); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	if err := o.config.Markers.Clear(ctx, userID); err != nil {
		return fmt.Errorf("clear init marker: %w", err)
	}
	o.config.Logger.Info("user deleted", Field{Key: "user_id", Value: userID})
	return nil
}
