// Package entitlement defines the purchase-platform check that gates paid routes.
package entitlement

import (
	"context"
	"errors"
)

// ErrNoEntitlement is returned by gates when the user holds no active entitlement
var ErrNoEntitlement = errors.New("no active entitlement")

// Checker reports whether a user currently holds an active entitlement
type Checker interface {
	HasActiveEntitlement(ctx context.Context, userID string) (bool, error)
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context, userID string) (bool, error)

// HasActiveEntitlement implements Checker
func (f CheckerFunc) HasActiveEntitlement(ctx context.Context, userID string) (bool, error) {
	return f(ctx, userID)
}

// AllowAll is a Checker that grants every non-empty user id
var AllowAll Checker = CheckerFunc(func(_ context.Context, userID string) (bool, error) {
	return userID != "", nil
})
