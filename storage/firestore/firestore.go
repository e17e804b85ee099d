// Package firestore provides a Firestore implementation of the gateway prompt
// repository, credit ledger and identity marker store.
// Balance changes run in Firestore transactions.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

// Storage implements gateway.PromptRepository, gateway.Ledger and
// gateway.MarkerStore using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	promptsCollection  string
	creditsCollection  string
	markersCollection  string
	transactionsSubcol string
}

// Config holds Firestore storage configuration
type Config struct {
	// PromptsCollection holds one document per fragment id
	// Default: "ai_prompts"
	PromptsCollection string

	// CreditsCollection holds one balance document per user
	// Default: "user_credits"
	CreditsCollection string

	// MarkersCollection holds one init marker document per user
	// Default: "user_init_markers"
	MarkersCollection string

	// TransactionsSubcollection is created under each balance document
	// Default: "transactions"
	TransactionsSubcollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.PromptsCollection == "" {
		config.PromptsCollection = "ai_prompts"
	}
	if config.CreditsCollection == "" {
		config.CreditsCollection = "user_credits"
	}
	if config.MarkersCollection == "" {
		config.MarkersCollection = "user_init_markers"
	}
	if config.TransactionsSubcollection == "" {
		config.TransactionsSubcollection = "transactions"
	}

	return &Storage{
		client:             client,
		promptsCollection:  config.PromptsCollection,
		creditsCollection:  config.CreditsCollection,
		markersCollection:  config.MarkersCollection,
		transactionsSubcol: config.TransactionsSubcollection,
	}, nil
}

// FetchFragments implements gateway.PromptRepository
func (s *Storage) FetchFragments(ctx context.Context, ids []string) (map[string]*gateway.Fragment, error) {
	out := make(map[string]*gateway.Fragment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, s.client.Collection(s.promptsCollection).Doc(docID(id)))
	}

	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, mapError("failed to get prompts", err)
	}
	// GetAll returns snapshots in the order of refs
	for i, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		data := snap.Data()
		out[ids[i]] = &gateway.Fragment{
			ID:             ids[i],
			Instruction:    getString(data, "system_prompt"),
			NegativePrompt: getString(data, "negative_prompt"),
			Cost:           getInt(data, "cost"),
			ModelID:        getString(data, "model_id"),
		}
	}
	return out, nil
}

// PutFragment writes a fragment document
func (s *Storage) PutFragment(ctx context.Context, frag *gateway.Fragment) error {
	if frag == nil || frag.ID == "" {
		return fmt.Errorf("invalid fragment")
	}

	data := map[string]interface{}{
		"system_prompt": frag.Instruction,
	}
	if frag.NegativePrompt != "" {
		data["negative_prompt"] = frag.NegativePrompt
	}
	if frag.Cost > 0 {
		data["cost"] = frag.Cost
	}
	if frag.ModelID != "" {
		data["model_id"] = frag.ModelID
	}

	_, err := s.client.Collection(s.promptsCollection).Doc(docID(frag.ID)).Set(ctx, data)
	return mapError("failed to put prompt", err)
}

func (s *Storage) creditsDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.creditsCollection).Doc(docID(userID))
}

func (s *Storage) transactionDoc(userID, id string) *firestore.DocumentRef {
	return s.creditsDoc(userID).Collection(s.transactionsSubcol).Doc(docID(id))
}

func (s *Storage) markerDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.markersCollection).Doc(docID(userID))
}

// docIDEscaper keeps user ids and idempotency keys inside a single path
// segment. "%" is escaped first so escaped ids never collide.
var docIDEscaper = strings.NewReplacer("%", "%25", "/", "%2F")

// docID maps an arbitrary id to a valid Firestore document id. Besides
// slashes, Firestore rejects "." and ".." and reserves ids matching __.*__.
func docID(id string) string {
	escaped := docIDEscaper.Replace(id)
	switch {
	case escaped == "." || escaped == "..":
		return strings.ReplaceAll(escaped, ".", "%2E")
	case len(escaped) >= 4 && strings.HasPrefix(escaped, "__") && strings.HasSuffix(escaped, "__"):
		return "%5F" + escaped[1:]
	}
	return escaped
}

// Debit implements gateway.Ledger with a transaction-safe deduction
func (s *Storage) Debit(ctx context.Context, userID string, cost int) (*gateway.DebitResult, error) {
	if err := gateway.CheckDebit(userID, cost); err != nil {
		return nil, err
	}

	doc := s.creditsDoc(userID)
	var result *gateway.DebitResult

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		current := gateway.Balance{UserID: userID}
		if err == nil && snap.Exists() {
			data := snap.Data()
			current.Subscription = getInt(data, "subscription_credits")
			current.Pack = getInt(data, "pack_credits")
		}

		next, ok := current.Deduct(cost)
		if !ok {
			result = &gateway.DebitResult{
				Success:    false,
				NewBalance: current.Total(),
				Reason:     fmt.Sprintf("insufficient credits: balance %d, cost %d", current.Total(), cost),
			}
			return nil
		}

		now := time.Now().UTC()
		if cost > 0 {
			err = tx.Set(doc, map[string]interface{}{
				"subscription_credits": next.Subscription,
				"pack_credits":         next.Pack,
				"updated_at":           now,
			}, firestore.MergeAll)
			if err != nil {
				return err
			}
		}

		txID := uuid.NewString()
		err = tx.Create(s.transactionDoc(userID, txID), map[string]interface{}{
			"kind":          "debit",
			"amount":        cost,
			"balance_after": next.Total(),
			"created_at":    now,
		})
		if err != nil {
			return err
		}

		result = &gateway.DebitResult{Success: true, NewBalance: next.Total(), TransactionID: txID}
		return nil
	})
	if err != nil {
		return nil, mapError("failed to debit credits", err)
	}
	return result, nil
}

// Credit implements gateway.Ledger. The idempotency key is the id of the
// transaction document, so a repeated key is detected inside the transaction.
func (s *Storage) Credit(ctx context.Context, req *gateway.CreditRequest) (*gateway.Balance, error) {
	if req == nil || req.UserID == "" {
		return nil, fmt.Errorf("invalid credit request")
	}
	if req.Amount <= 0 {
		return nil, gateway.ErrInvalidAmount
	}

	doc := s.creditsDoc(req.UserID)
	txID := req.IdempotencyKey
	if txID == "" {
		txID = uuid.NewString()
	}
	txDoc := s.transactionDoc(req.UserID, txID)

	var bal *gateway.Balance
	duplicate := false

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		duplicate = false

		if req.IdempotencyKey != "" {
			snap, err := tx.Get(txDoc)
			if err != nil && status.Code(err) != codes.NotFound {
				return err
			}
			if err == nil && snap.Exists() {
				duplicate = true
			}
		}

		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		bal = &gateway.Balance{UserID: req.UserID}
		if err == nil && snap.Exists() {
			data := snap.Data()
			bal.Subscription = getInt(data, "subscription_credits")
			bal.Pack = getInt(data, "pack_credits")
		}
		if duplicate {
			return nil
		}

		if req.Source == gateway.CreditSourceSubscription {
			bal.Subscription += req.Amount
		} else {
			bal.Pack += req.Amount
		}

		now := time.Now().UTC()
		err = tx.Set(doc, map[string]interface{}{
			"subscription_credits": bal.Subscription,
			"pack_credits":         bal.Pack,
			"updated_at":           now,
		}, firestore.MergeAll)
		if err != nil {
			return err
		}

		return tx.Create(txDoc, map[string]interface{}{
			"kind":            "credit",
			"amount":          req.Amount,
			"source":          string(req.Source),
			"reason":          req.Reason,
			"idempotency_key": req.IdempotencyKey,
			"balance_after":   bal.Total(),
			"created_at":      now,
		})
	})
	if err != nil {
		return nil, mapError("failed to credit", err)
	}
	if duplicate {
		return bal, gateway.ErrIdempotencyKeyExists
	}
	return bal, nil
}

// GetBalance implements gateway.Ledger
func (s *Storage) GetBalance(ctx context.Context, userID string) (*gateway.Balance, error) {
	bal := &gateway.Balance{UserID: userID}

	snap, err := s.creditsDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return bal, nil
		}
		return nil, mapError("failed to get balance", err)
	}

	data := snap.Data()
	bal.Subscription = getInt(data, "subscription_credits")
	bal.Pack = getInt(data, "pack_credits")
	return bal, nil
}

// DeleteAccount implements gateway.Ledger
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	doc := s.creditsDoc(userID)

	bw := s.client.BulkWriter(ctx)
	iter := doc.Collection(s.transactionsSubcol).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return mapError("failed to list transactions", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return mapError("failed to delete transaction", err)
		}
	}
	bw.End()

	if _, err := doc.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return mapError("failed to delete balance", err)
	}
	return nil
}

// Seen implements gateway.MarkerStore
func (s *Storage) Seen(ctx context.Context, userID string) (bool, error) {
	snap, err := s.markerDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, mapError("failed to read marker", err)
	}
	return snap.Exists(), nil
}

// Mark implements gateway.MarkerStore
func (s *Storage) Mark(ctx context.Context, userID string) error {
	_, err := s.markerDoc(userID).Set(ctx, map[string]interface{}{
		"initialized_at": time.Now().UTC(),
	})
	return mapError("failed to set marker", err)
}

// Clear implements gateway.MarkerStore
func (s *Storage) Clear(ctx context.Context, userID string) error {
	_, err := s.markerDoc(userID).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return mapError("failed to clear marker", err)
}

// mapError wraps err with msg and marks unreachable backends as unavailable
func mapError(msg string, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %w", msg, gateway.ErrStorageUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", msg, err)
	}
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
