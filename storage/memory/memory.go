// Package memory provides in-memory implementations of the gateway storage interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

// Storage implements gateway.Ledger, gateway.PromptRepository and
// gateway.MarkerStore using in-memory maps
type Storage struct {
	mu        sync.RWMutex
	balances  map[string]*gateway.Balance
	applied   map[string]map[string]bool // userID -> idempotency keys
	fragments map[string]*gateway.Fragment
	markers   map[string]bool
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		balances:  make(map[string]*gateway.Balance),
		applied:   make(map[string]map[string]bool),
		fragments: make(map[string]*gateway.Fragment),
		markers:   make(map[string]bool),
	}
}

// Debit implements gateway.Ledger
func (s *Storage) Debit(ctx context.Context, userID string, cost int) (*gateway.DebitResult, error) {
	if err := gateway.CheckDebit(userID, cost); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := gateway.Balance{UserID: userID}
	if bal, ok := s.balances[userID]; ok {
		current = *bal
	}

	next, ok := current.Deduct(cost)
	if !ok {
		return &gateway.DebitResult{
			Success:    false,
			NewBalance: current.Total(),
			Reason:     fmt.Sprintf("insufficient credits: balance %d, cost %d", current.Total(), cost),
		}, nil
	}

	s.balances[userID] = &next
	return &gateway.DebitResult{
		Success:       true,
		NewBalance:    next.Total(),
		TransactionID: uuid.NewString(),
	}, nil
}

// Credit implements gateway.Ledger
func (s *Storage) Credit(ctx context.Context, req *gateway.CreditRequest) (*gateway.Balance, error) {
	if req == nil || req.UserID == "" {
		return nil, fmt.Errorf("invalid credit request")
	}
	if req.Amount <= 0 {
		return nil, gateway.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		keys := s.applied[req.UserID]
		if keys[req.IdempotencyKey] {
			return s.balanceLocked(req.UserID), gateway.ErrIdempotencyKeyExists
		}
		if keys == nil {
			keys = make(map[string]bool)
			s.applied[req.UserID] = keys
		}
		keys[req.IdempotencyKey] = true
	}

	bal, ok := s.balances[req.UserID]
	if !ok {
		bal = &gateway.Balance{UserID: req.UserID}
		s.balances[req.UserID] = bal
	}
	if req.Source == gateway.CreditSourceSubscription {
		bal.Subscription += req.Amount
	} else {
		bal.Pack += req.Amount
	}

	return s.balanceLocked(req.UserID), nil
}

// GetBalance implements gateway.Ledger
func (s *Storage) GetBalance(ctx context.Context, userID string) (*gateway.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(userID), nil
}

// DeleteAccount implements gateway.Ledger
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.balances, userID)
	delete(s.applied, userID)
	return nil
}

// balanceLocked returns a copy of the balance; callers hold s.mu
func (s *Storage) balanceLocked(userID string) *gateway.Balance {
	bal, ok := s.balances[userID]
	if !ok {
		return &gateway.Balance{UserID: userID}
	}
	balCopy := *bal
	return &balCopy
}

// SetBalance overwrites a user's balance. Intended for seeding tests and demos.
func (s *Storage) SetBalance(userID string, subscription, pack int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] = &gateway.Balance{UserID: userID, Subscription: subscription, Pack: pack}
}

// FetchFragments implements gateway.PromptRepository
func (s *Storage) FetchFragments(ctx context.Context, ids []string) (map[string]*gateway.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*gateway.Fragment, len(ids))
	for _, id := range ids {
		frag, ok := s.fragments[id]
		if !ok {
			continue
		}
		// Return a copy to prevent external mutations
		fragCopy := *frag
		out[id] = &fragCopy
	}
	return out, nil
}

// PutFragment stores a fragment under its id
func (s *Storage) PutFragment(frag *gateway.Fragment) error {
	if frag == nil || frag.ID == "" {
		return fmt.Errorf("invalid fragment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fragCopy := *frag
	s.fragments[frag.ID] = &fragCopy
	return nil
}

// fragmentRecord mirrors one ai_prompts row
type fragmentRecord struct {
	ID             string `json:"id"`
	SystemPrompt   string `json:"system_prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Cost           int    `json:"cost"`
	ModelID        string `json:"model_id"`
}

// LoadFragments reads a JSON array of ai_prompts rows and stores each one
func (s *Storage) LoadFragments(r io.Reader) (int, error) {
	var records []fragmentRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return 0, fmt.Errorf("decode fragments: %w", err)
	}
	for i, rec := range records {
		err := s.PutFragment(&gateway.Fragment{
			ID:             rec.ID,
			Instruction:    rec.SystemPrompt,
			NegativePrompt: rec.NegativePrompt,
			Cost:           rec.Cost,
			ModelID:        rec.ModelID,
		})
		if err != nil {
			return i, fmt.Errorf("fragment %d: %w", i, err)
		}
	}
	return len(records), nil
}

// Seen implements gateway.MarkerStore
func (s *Storage) Seen(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markers[userID], nil
}

// Mark implements gateway.MarkerStore
func (s *Storage) Mark(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[userID] = true
	return nil
}

// Clear implements gateway.MarkerStore
func (s *Storage) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, userID)
	return nil
}

// Reset removes all data (useful for testing)
func (s *Storage) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances = make(map[string]*gateway.Balance)
	s.applied = make(map[string]map[string]bool)
	s.fragments = make(map[string]*gateway.Fragment)
	s.markers = make(map[string]bool)
}
