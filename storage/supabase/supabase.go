// Package supabase provides a Supabase (PostgREST) implementation of the
// gateway credit ledger and prompt repository.
//
// The debit and grant paths call SQL functions so that each balance change is
// a single database transaction:
//
//	deduct_credits(p_user_id text, p_cost int)
//	  -> {success bool, new_balance int, error text}
//	grant_credits(p_user_id text, p_amount int, p_source text, p_idempotency_key text, p_reason text)
//	  -> {success bool, duplicate bool, subscription_credits int, pack_credits int}
//	delete_user_account(target_user_id text)
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

const maxErrorBody = 512

// Config holds Supabase storage configuration
type Config struct {
	// URL is the project URL, e.g. https://xyz.supabase.co (required)
	URL string

	// ServiceRoleKey authenticates as the service role (required)
	ServiceRoleKey string

	// Schema is the exposed Postgres schema (default: "public")
	Schema string

	// PromptsTable holds prompt fragments (default: "ai_prompts")
	PromptsTable string

	// CreditsTable holds balances (default: "user_credits")
	CreditsTable string
}

// Storage implements gateway.Ledger and gateway.PromptRepository over PostgREST
type Storage struct {
	config  Config
	restURL string
	headers map[string]string
}

// New creates a new Supabase storage adapter
func New(config Config) (*Storage, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if config.ServiceRoleKey == "" {
		return nil, fmt.Errorf("supabase service role key is required")
	}
	if config.Schema == "" {
		config.Schema = "public"
	}
	if config.PromptsTable == "" {
		config.PromptsTable = "ai_prompts"
	}
	if config.CreditsTable == "" {
		config.CreditsTable = "user_credits"
	}

	restURL := strings.TrimRight(config.URL, "/") + "/rest/v1"
	if _, err := url.Parse(restURL); err != nil {
		return nil, fmt.Errorf("invalid supabase url: %w", err)
	}

	return &Storage{
		config:  config,
		restURL: restURL,
		headers: map[string]string{
			"apikey":        config.ServiceRoleKey,
			"Authorization": "Bearer " + config.ServiceRoleKey,
		},
	}, nil
}

type deductResponse struct {
	Success    bool   `json:"success"`
	NewBalance int    `json:"new_balance"`
	Error      string `json:"error"`
}

// Debit implements gateway.Ledger
func (s *Storage) Debit(ctx context.Context, userID string, cost int) (*gateway.DebitResult, error) {
	if err := gateway.CheckDebit(userID, cost); err != nil {
		return nil, err
	}

	var resp deductResponse
	err := s.rpc(ctx, "deduct_credits", map[string]interface{}{
		"p_user_id": userID,
		"p_cost":    cost,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		reason := resp.Error
		if reason == "" {
			reason = fmt.Sprintf("insufficient credits: balance %d, cost %d", resp.NewBalance, cost)
		}
		return &gateway.DebitResult{Success: false, NewBalance: resp.NewBalance, Reason: reason}, nil
	}
	return &gateway.DebitResult{
		Success:       true,
		NewBalance:    resp.NewBalance,
		TransactionID: uuid.NewString(),
	}, nil
}

type grantResponse struct {
	Success             bool `json:"success"`
	Duplicate           bool `json:"duplicate"`
	SubscriptionCredits int  `json:"subscription_credits"`
	PackCredits         int  `json:"pack_credits"`
}

// Credit implements gateway.Ledger
func (s *Storage) Credit(ctx context.Context, req *gateway.CreditRequest) (*gateway.Balance, error) {
	if req == nil || req.UserID == "" {
		return nil, fmt.Errorf("invalid credit request")
	}
	if req.Amount <= 0 {
		return nil, gateway.ErrInvalidAmount
	}

	source := req.Source
	if source == "" {
		source = gateway.CreditSourcePack
	}

	var key interface{}
	if req.IdempotencyKey != "" {
		key = req.IdempotencyKey
	}

	var resp grantResponse
	err := s.rpc(ctx, "grant_credits", map[string]interface{}{
		"p_user_id":         req.UserID,
		"p_amount":          req.Amount,
		"p_source":          string(source),
		"p_idempotency_key": key,
		"p_reason":          req.Reason,
	}, &resp)
	if err != nil {
		return nil, err
	}

	bal := &gateway.Balance{UserID: req.UserID, Subscription: resp.SubscriptionCredits, Pack: resp.PackCredits}
	if resp.Duplicate {
		return bal, gateway.ErrIdempotencyKeyExists
	}
	if !resp.Success {
		return nil, fmt.Errorf("grant_credits refused the grant")
	}
	return bal, nil
}

type creditsRow struct {
	SubscriptionCredits *int `json:"subscription_credits"`
	PackCredits         *int `json:"pack_credits"`
}

// GetBalance implements gateway.Ledger
func (s *Storage) GetBalance(ctx context.Context, userID string) (*gateway.Balance, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	query := s.client(ctx).From(s.config.CreditsTable).
		Select("subscription_credits,pack_credits", "", false).
		Eq("user_id", userID)

	var rows []creditsRow
	if err := s.execute(ctx, query, &rows); err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	bal := &gateway.Balance{UserID: userID}
	if len(rows) > 0 {
		if rows[0].SubscriptionCredits != nil {
			bal.Subscription = *rows[0].SubscriptionCredits
		}
		if rows[0].PackCredits != nil {
			bal.Pack = *rows[0].PackCredits
		}
	}
	return bal, nil
}

// DeleteAccount implements gateway.Ledger
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	return s.rpc(ctx, "delete_user_account", map[string]interface{}{
		"target_user_id": userID,
	}, nil)
}

type promptRow struct {
	ID             string  `json:"id"`
	SystemPrompt   string  `json:"system_prompt"`
	NegativePrompt *string `json:"negative_prompt"`
	Cost           *int    `json:"cost"`
	ModelID        *string `json:"model_id"`
}

// FetchFragments implements gateway.PromptRepository
func (s *Storage) FetchFragments(ctx context.Context, ids []string) (map[string]*gateway.Fragment, error) {
	out := make(map[string]*gateway.Fragment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := s.client(ctx).From(s.config.PromptsTable).
		Select("id,system_prompt,negative_prompt,cost,model_id", "", false).
		In("id", ids)

	var rows []promptRow
	if err := s.execute(ctx, query, &rows); err != nil {
		return nil, fmt.Errorf("failed to query prompts: %w", err)
	}

	for _, row := range rows {
		frag := &gateway.Fragment{ID: row.ID, Instruction: row.SystemPrompt}
		if row.NegativePrompt != nil {
			frag.NegativePrompt = *row.NegativePrompt
		}
		if row.Cost != nil {
			frag.Cost = *row.Cost
		}
		if row.ModelID != nil {
			frag.ModelID = *row.ModelID
		}
		out[row.ID] = frag
	}
	return out, nil
}

// client returns a fresh PostgREST client whose requests carry ctx.
// postgrest.Client keeps the last Rpc failure in ClientError and fails every
// later call with it, so clients are not shared between requests.
func (s *Storage) client(ctx context.Context) *postgrest.Client {
	c := postgrest.NewClient(s.restURL, s.config.Schema, s.headers)
	if c.Transport != nil {
		c.Transport.Parent = contextTransport{ctx: ctx, base: http.DefaultTransport}
	}
	return c
}

// contextTransport binds every request to ctx; postgrest-go builds its
// requests without one.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

func (s *Storage) rpc(ctx context.Context, fn string, args map[string]interface{}, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client := s.client(ctx)
	body := client.Rpc(fn, "", args)
	if client.ClientError != nil {
		return fmt.Errorf("rpc %s: %w: %w", fn, gateway.ErrStorageUnavailable, client.ClientError)
	}
	if err := decode([]byte(body), out); err != nil {
		return fmt.Errorf("rpc %s: %w", fn, err)
	}
	return nil
}

func (s *Storage) execute(ctx context.Context, query *postgrest.FilterBuilder, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, _, err := query.Execute()
	if err != nil {
		return classifyError(err)
	}
	return decode(body, out)
}

// apiError is the PostgREST error body
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("(%s) %s", e.Code, e.Message)
}

// decode reads a PostgREST reply into out. Error bodies are recognised by
// their code and message fields; a body that is not JSON comes from a proxy
// in front of PostgREST and means the backend is unreachable.
func decode(body []byte, out interface{}) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		if out == nil {
			return nil
		}
		return fmt.Errorf("%w: empty response", gateway.ErrStorageUnavailable)
	}
	if !json.Valid(body) {
		return fmt.Errorf("%w: unexpected response: %s", gateway.ErrStorageUnavailable, truncate(body))
	}

	if body[0] == '{' {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != "" && apiErr.Message != "" {
			return wrapAPIError(&apiErr)
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// classifyError maps errors returned by the postgrest query builder
func classifyError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", gateway.ErrStorageUnavailable, err)
	}

	msg := err.Error()
	if strings.HasPrefix(msg, "error parsing error response") {
		// non-JSON error body
		return fmt.Errorf("%w: %w", gateway.ErrStorageUnavailable, err)
	}
	if strings.HasPrefix(msg, "(") {
		if end := strings.Index(msg, ")"); end > 0 {
			return wrapAPIError(&apiError{Code: msg[1:end], Message: strings.TrimSpace(msg[end+1:])})
		}
	}
	return err
}

// unavailableCodes are error codes PostgREST answers with 5xx when the
// database itself cannot serve: its own connection errors (PGRST000-PGRST003)
// and the SQLSTATE classes for connection exceptions, insufficient resources,
// operator intervention and system errors.
var unavailableCodes = []string{"PGRST000", "PGRST001", "PGRST002", "PGRST003", "08", "53", "57", "58", "XX"}

func wrapAPIError(apiErr *apiError) error {
	for _, code := range unavailableCodes {
		if strings.HasPrefix(apiErr.Code, code) {
			return fmt.Errorf("%w: %w", gateway.ErrStorageUnavailable, apiErr)
		}
	}
	return apiErr
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}
