package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

func TestStorage_DebitRejectsInvalidArguments(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.SetBalance("", 5, 0)

	tests := []struct {
		name    string
		userID  string
		cost    int
		wantErr error
	}{
		{"empty user", "", 3, gateway.ErrInvalidUserID},
		{"blank user", "  ", 3, gateway.ErrInvalidUserID},
		{"zero cost", "user1", 0, gateway.ErrInvalidAmount},
		{"negative cost", "user1", -1, gateway.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := storage.Debit(ctx, tt.userID, tt.cost)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if res != nil {
				t.Errorf("Expected no result, got %+v", res)
			}
		})
	}

	bal, _ := storage.GetBalance(ctx, "")
	if bal.Total() != 5 {
		t.Errorf("rejected debit must not change the balance, got %d", bal.Total())
	}
}

func TestStorage_Debit_SubscriptionFirst(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.SetBalance("user1", 2, 4)

	res, err := storage.Debit(ctx, "user1", 3)
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("Expected success, got %+v", res)
	}
	if res.NewBalance != 3 {
		t.Errorf("Expected new balance 3, got %d", res.NewBalance)
	}
	if res.TransactionID == "" {
		t.Error("Expected a transaction id")
	}

	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Subscription != 0 || bal.Pack != 3 {
		t.Errorf("Expected subscription 0 / pack 3, got %d / %d", bal.Subscription, bal.Pack)
	}
}

func TestStorage_Debit_ExactThenInsufficient(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.SetBalance("user1", 0, 3)

	res, err := storage.Debit(ctx, "user1", 3)
	if err != nil || !res.Success || res.NewBalance != 0 {
		t.Fatalf("Expected exact debit to succeed with balance 0, got %+v, %v", res, err)
	}

	res, err = storage.Debit(ctx, "user1", 3)
	if err != nil {
		t.Fatalf("Insufficient debit must not error: %v", err)
	}
	if res.Success {
		t.Fatal("Expected refusal on empty balance")
	}
	if res.NewBalance != 0 {
		t.Errorf("Expected balance to stay 0, got %d", res.NewBalance)
	}
	if res.Reason == "" {
		t.Error("Expected a refusal reason")
	}
}

func TestStorage_Debit_UnknownUser(t *testing.T) {
	storage := New()

	res, err := storage.Debit(context.Background(), "ghost", 1)
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if res.Success {
		t.Error("Unknown user has no credits")
	}
}

func TestStorage_Debit_NegativeCost(t *testing.T) {
	storage := New()

	_, err := storage.Debit(context.Background(), "user1", -1)
	if !errors.Is(err, gateway.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestStorage_Debit_Concurrent(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.SetBalance("user1", 0, 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := storage.Debit(ctx, "user1", 1)
			if err == nil && res.Success {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("Expected exactly 10 successful debits, got %d", succeeded)
	}
	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Total() != 0 {
		t.Errorf("Expected balance 0, got %d", bal.Total())
	}
}

func TestStorage_Credit_Idempotent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	req := &gateway.CreditRequest{UserID: "user1", Amount: 5, Source: gateway.CreditSourcePack, IdempotencyKey: "welcome:user1"}
	bal, err := storage.Credit(ctx, req)
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if bal.Pack != 5 {
		t.Errorf("Expected pack 5, got %d", bal.Pack)
	}

	bal, err = storage.Credit(ctx, req)
	if !errors.Is(err, gateway.ErrIdempotencyKeyExists) {
		t.Fatalf("Expected ErrIdempotencyKeyExists, got %v", err)
	}
	if bal.Pack != 5 {
		t.Errorf("Duplicate credit must not change balance, got %d", bal.Pack)
	}
}

func TestStorage_Credit_Subscription(t *testing.T) {
	storage := New()
	ctx := context.Background()

	bal, err := storage.Credit(ctx, &gateway.CreditRequest{UserID: "user1", Amount: 7, Source: gateway.CreditSourceSubscription})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if bal.Subscription != 7 || bal.Pack != 0 {
		t.Errorf("Expected subscription 7, got %+v", bal)
	}
}

func TestStorage_Credit_InvalidAmount(t *testing.T) {
	storage := New()

	_, err := storage.Credit(context.Background(), &gateway.CreditRequest{UserID: "user1", Amount: 0})
	if !errors.Is(err, gateway.ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
}

func TestStorage_DeleteAccount(t *testing.T) {
	storage := New()
	ctx := context.Background()

	req := &gateway.CreditRequest{UserID: "user1", Amount: 5, IdempotencyKey: "k1"}
	if _, err := storage.Credit(ctx, req); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := storage.DeleteAccount(ctx, "user1"); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}

	bal, _ := storage.GetBalance(ctx, "user1")
	if bal.Total() != 0 {
		t.Errorf("Expected empty balance after delete, got %d", bal.Total())
	}

	// history is gone too, so the same key applies again
	if _, err := storage.Credit(ctx, req); err != nil {
		t.Errorf("Expected credit to apply after delete, got %v", err)
	}
}

func TestStorage_FetchFragments(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_ = storage.PutFragment(&gateway.Fragment{ID: "gardendesign", Instruction: "Redesign the garden", Cost: 3})
	_ = storage.PutFragment(&gateway.Fragment{ID: "style_modern", Instruction: "Modern style"})

	frags, err := storage.FetchFragments(ctx, []string{"gardendesign", "style_modern", "missing"})
	if err != nil {
		t.Fatalf("FetchFragments failed: %v", err)
	}
	if len(frags) != 2 {
		t.Fatalf("Expected 2 fragments, got %d", len(frags))
	}
	if _, ok := frags["missing"]; ok {
		t.Error("Missing ids must be absent from the result")
	}

	// Returned fragments are copies
	frags["gardendesign"].Instruction = "mutated"
	again, _ := storage.FetchFragments(ctx, []string{"gardendesign"})
	if again["gardendesign"].Instruction != "Redesign the garden" {
		t.Error("Stored fragment was mutated through a returned copy")
	}
}

func TestStorage_PutFragment_Invalid(t *testing.T) {
	storage := New()
	if err := storage.PutFragment(&gateway.Fragment{}); err == nil {
		t.Error("Expected error for fragment without id")
	}
}

func TestStorage_Markers(t *testing.T) {
	storage := New()
	ctx := context.Background()

	seen, _ := storage.Seen(ctx, "user1")
	if seen {
		t.Fatal("Marker should not be set")
	}
	_ = storage.Mark(ctx, "user1")
	seen, _ = storage.Seen(ctx, "user1")
	if !seen {
		t.Fatal("Marker should be set")
	}
	_ = storage.Clear(ctx, "user1")
	seen, _ = storage.Seen(ctx, "user1")
	if seen {
		t.Error("Marker should be cleared")
	}
}

func TestStorage_Reset(t *testing.T) {
	storage := New()
	ctx := context.Background()
	storage.SetBalance("user1", 1, 1)
	_ = storage.Mark(ctx, "user1")

	storage.Reset()

	bal, _ := storage.GetBalance(ctx, "user1")
	seen, _ := storage.Seen(ctx, "user1")
	if bal.Total() != 0 || seen {
		t.Error("Reset should remove all data")
	}
}

func TestStorage_LoadFragments(t *testing.T) {
	storage := New()
	ctx := context.Background()

	n, err := storage.LoadFragments(strings.NewReader(`[
		{"id": "kitchen", "system_prompt": "Redesign the kitchen.", "negative_prompt": "no people", "cost": 5},
		{"id": "modern", "system_prompt": "Modern style.", "model_id": "m2"}
	]`))
	if err != nil {
		t.Fatalf("LoadFragments failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 fragments loaded, got %d", n)
	}

	frags, _ := storage.FetchFragments(ctx, []string{"kitchen", "modern"})
	if frags["kitchen"].Cost != 5 || frags["kitchen"].NegativePrompt != "no people" {
		t.Errorf("unexpected kitchen fragment: %+v", frags["kitchen"])
	}
	if frags["modern"].ModelID != "m2" {
		t.Errorf("unexpected modern fragment: %+v", frags["modern"])
	}

	if _, err := storage.LoadFragments(strings.NewReader(`[{"system_prompt": "no id"}]`)); err == nil {
		t.Error("Expected error for fragment without id")
	}
}
