// Package postgres provides a PostgreSQL implementation of the gateway credit
// ledger and prompt repository.
// Debits run in a transaction that locks the balance row with SELECT FOR UPDATE.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

// Schema creates the tables used by Storage. It is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS user_credits (
	user_id              TEXT PRIMARY KEY,
	subscription_credits INTEGER NOT NULL DEFAULT 0 CHECK (subscription_credits >= 0),
	pack_credits         INTEGER NOT NULL DEFAULT 0 CHECK (pack_credits >= 0),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS credit_transactions (
	id              UUID PRIMARY KEY,
	user_id         TEXT NOT NULL,
	kind            TEXT NOT NULL,
	amount          INTEGER NOT NULL,
	source          TEXT,
	reason          TEXT,
	idempotency_key TEXT,
	balance_after   INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS credit_transactions_created_at_idx
	ON credit_transactions (created_at) WHERE kind = 'debit';

CREATE TABLE IF NOT EXISTS ai_prompts (
	id              TEXT PRIMARY KEY,
	system_prompt   TEXT NOT NULL,
	negative_prompt TEXT,
	cost            INTEGER,
	model_id        TEXT
);
`

// Storage implements gateway.Ledger and gateway.PromptRepository using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration. Only debit records are pruned; credit records
	// carry idempotency keys and are kept.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	RecordTTL       time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  false,
		CleanupInterval: time.Hour,
		RecordTTL:       90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", gateway.ErrStorageUnavailable, err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Migrate applies Schema
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Debit implements gateway.Ledger
func (s *Storage) Debit(ctx context.Context, userID string, cost int) (*gateway.DebitResult, error) {
	if err := gateway.CheckDebit(userID, cost); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	current := gateway.Balance{UserID: userID}
	err = tx.QueryRow(ctx,
		`SELECT subscription_credits, pack_credits
			FROM user_credits WHERE user_id = $1
			FOR UPDATE`,
		userID).Scan(&current.Subscription, &current.Pack)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	exists := err == nil

	next, ok := current.Deduct(cost)
	if !ok {
		return &gateway.DebitResult{
			Success:    false,
			NewBalance: current.Total(),
			Reason:     fmt.Sprintf("insufficient credits: balance %d, cost %d", current.Total(), cost),
		}, nil
	}

	if exists {
		_, err = tx.Exec(ctx,
			`UPDATE user_credits
				SET subscription_credits = $1, pack_credits = $2, updated_at = NOW()
				WHERE user_id = $3`,
			next.Subscription, next.Pack, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to update balance: %w", err)
		}
	}

	txID := uuid.NewString()
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, kind, amount, balance_after)
			VALUES ($1, $2, 'debit', $3, $4)`,
		txID, userID, cost, next.Total())
	if err != nil {
		return nil, fmt.Errorf("failed to record debit: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	return &gateway.DebitResult{
		Success:       true,
		NewBalance:    next.Total(),
		TransactionID: txID,
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	subDelta, packDelta := 0, req.Amount
	if req.Source == gateway.CreditSourceSubscription {
		subDelta, packDelta = req.Amount, 0
	}

	bal := &gateway.Balance{UserID: req.UserID}
	err = tx.QueryRow(ctx,
		`INSERT INTO user_credits (user_id, subscription_credits, pack_credits, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				subscription_credits = user_credits.subscription_credits + EXCLUDED.subscription_credits,
				pack_credits = user_credits.pack_credits + EXCLUDED.pack_credits,
				updated_at = NOW()
			RETURNING subscription_credits, pack_credits`,
		req.UserID, subDelta, packDelta).Scan(&bal.Subscription, &bal.Pack)
	if err != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}

	var key *string
	if req.IdempotencyKey != "" {
		key = &req.IdempotencyKey
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions
				(id, user_id, kind, amount, source, reason, idempotency_key, balance_after)
			VALUES ($1, $2, 'credit', $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
		uuid.NewString(), req.UserID, req.Amount, string(req.Source), req.Reason, key, bal.Total())
	if err != nil {
		return nil, fmt.Errorf("failed to record credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// key already applied; drop the balance change with the transaction
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil {
			return nil, fmt.Errorf("failed to rollback: %w", rollbackErr)
		}
		current, err := s.GetBalance(ctx, req.UserID)
		if err != nil {
			return nil, err
		}
		return current, gateway.ErrIdempotencyKeyExists
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return bal, nil
}

// GetBalance implements gateway.Ledger
func (s *Storage) GetBalance(ctx context.Context, userID string) (*gateway.Balance, error) {
	bal := &gateway.Balance{UserID: userID}
	err := s.pool.QueryRow(ctx,
		`SELECT subscription_credits, pack_credits FROM user_credits WHERE user_id = $1`,
		userID).Scan(&bal.Subscription, &bal.Pack)
	if errors.Is(err, pgx.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return bal, nil
}

// DeleteAccount implements gateway.Ledger
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM credit_transactions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete transactions: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM user_credits WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete balance: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// FetchFragments implements gateway.PromptRepository
func (s *Storage) FetchFragments(ctx context.Context, ids []string) (map[string]*gateway.Fragment, error) {
	out := make(map[string]*gateway.Fragment, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, system_prompt, negative_prompt, cost, model_id
			FROM ai_prompts WHERE id = ANY($1)`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query prompts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			frag     gateway.Fragment
			negative *string
			cost     *int
			modelID  *string
		)
		if err := rows.Scan(&frag.ID, &frag.Instruction, &negative, &cost, &modelID); err != nil {
			return nil, fmt.Errorf("failed to scan prompt: %w", err)
		}
		if negative != nil {
			frag.NegativePrompt = *negative
		}
		if cost != nil {
			frag.Cost = *cost
		}
		if modelID != nil {
			frag.ModelID = *modelID
		}
		out[frag.ID] = &frag
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read prompts: %w", err)
	}
	return out, nil
}

// PutFragment inserts or replaces a prompt fragment
func (s *Storage) PutFragment(ctx context.Context, frag *gateway.Fragment) error {
	if frag == nil || frag.ID == "" {
		return fmt.Errorf("invalid fragment")
	}

	var cost *int
	if frag.Cost > 0 {
		cost = &frag.Cost
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_prompts (id, system_prompt, negative_prompt, cost, model_id)
			VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''))
			ON CONFLICT (id) DO UPDATE SET
				system_prompt = EXCLUDED.system_prompt,
				negative_prompt = EXCLUDED.negative_prompt,
				cost = EXCLUDED.cost,
				model_id = EXCLUDED.model_id`,
		frag.ID, frag.Instruction, frag.NegativePrompt, cost, frag.ModelID)
	if err != nil {
		return fmt.Errorf("failed to put prompt: %w", err)
	}
	return nil
}

// startCleanup runs periodic cleanup of old debit records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // cleanup is retried on the next tick
			_, _ = s.pool.Exec(ctx,
				`DELETE FROM credit_transactions WHERE kind = 'debit' AND created_at < $1`,
				time.Now().UTC().Add(-s.config.RecordTTL))
		}
	}
}
