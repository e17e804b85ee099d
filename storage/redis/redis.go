// Package redis provides a Redis implementation of the gateway credit ledger
// and identity marker store.
// Balance changes run in Lua scripts so each one is atomic on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

const (
	fieldSubscription = "sub"
	fieldPack         = "pack"
)

// Storage implements gateway.Ledger and gateway.MarkerStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "designgate:")
	KeyPrefix string

	// MarkerTTL is the TTL for init markers (0 = no expiration)
	MarkerTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "designgate:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "designgate:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Debit: subscription credits first, then pack. Returns {ok, total}.
	s.scripts["debit"] = redis.NewScript(`
		local key = KEYS[1]
		local cost = tonumber(ARGV[1])

		local sub = tonumber(redis.call('HGET', key, 'sub') or '0')
		local pack = tonumber(redis.call('HGET', key, 'pack') or '0')

		if sub + pack < cost then
			return {0, sub + pack}
		end

		local fromSub = math.min(cost, sub)
		sub = sub - fromSub
		pack = pack - (cost - fromSub)

		if cost > 0 then
			redis.call('HSET', key, 'sub', sub, 'pack', pack)
		end
		return {1, sub + pack}
	`)

	// Credit: records the idempotency key and adds to one field.
	// Returns {applied, sub, pack}.
	s.scripts["credit"] = redis.NewScript(`
		local key = KEYS[1]
		local appliedKey = KEYS[2]
		local field = ARGV[1]
		local amount = tonumber(ARGV[2])
		local idempotencyKey = ARGV[3]

		if idempotencyKey ~= '' then
			if redis.call('SADD', appliedKey, idempotencyKey) == 0 then
				local sub = tonumber(redis.call('HGET', key, 'sub') or '0')
				local pack = tonumber(redis.call('HGET', key, 'pack') or '0')
				return {0, sub, pack}
			end
		end

		redis.call('HINCRBY', key, field, amount)
		local sub = tonumber(redis.call('HGET', key, 'sub') or '0')
		local pack = tonumber(redis.call('HGET', key, 'pack') or '0')
		return {1, sub, pack}
	`)
}

// Key helpers. The braces keep one user's keys in the same cluster slot.

func (s *Storage) creditsKey(userID string) string {
	return fmt.Sprintf("%scredits:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) appliedKey(userID string) string {
	return fmt.Sprintf("%sapplied:{%s}", s.config.KeyPrefix, userID)
}

func (s *Storage) markerKey(userID string) string {
	return fmt.Sprintf("%sinit:{%s}", s.config.KeyPrefix, userID)
}

// Debit implements gateway.Ledger
func (s *Storage) Debit(ctx context.Context, userID string, cost int) (*gateway.DebitResult, error) {
	if err := gateway.CheckDebit(userID, cost); err != nil {
		return nil, err
	}

	res, err := s.scripts["debit"].Run(ctx, s.client, []string{s.creditsKey(userID)}, cost).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute debit script: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected debit script result: %v", res)
	}

	total := int(res[1])
	if res[0] == 0 {
		return &gateway.DebitResult{
			Success:    false,
			NewBalance: total,
			Reason:     fmt.Sprintf("insufficient credits: balance %d, cost %d", total, cost),
		}, nil
	}
	return &gateway.DebitResult{
		Success:       true,
		NewBalance:    total,
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

	field := fieldPack
	if req.Source == gateway.CreditSourceSubscription {
		field = fieldSubscription
	}

	keys := []string{s.creditsKey(req.UserID), s.appliedKey(req.UserID)}
	res, err := s.scripts["credit"].Run(ctx, s.client, keys, field, req.Amount, req.IdempotencyKey).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to execute credit script: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("unexpected credit script result: %v", res)
	}

	bal := &gateway.Balance{UserID: req.UserID, Subscription: int(res[1]), Pack: int(res[2])}
	if res[0] == 0 {
		return bal, gateway.ErrIdempotencyKeyExists
	}
	return bal, nil
}

// GetBalance implements gateway.Ledger
func (s *Storage) GetBalance(ctx context.Context, userID string) (*gateway.Balance, error) {
	vals, err := s.client.HMGet(ctx, s.creditsKey(userID), fieldSubscription, fieldPack).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	bal := &gateway.Balance{UserID: userID}
	bal.Subscription, err = parseCount(vals[0])
	if err != nil {
		return nil, err
	}
	bal.Pack, err = parseCount(vals[1])
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// DeleteAccount implements gateway.Ledger
func (s *Storage) DeleteAccount(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.creditsKey(userID), s.appliedKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// Seen implements gateway.MarkerStore
func (s *Storage) Seen(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.markerKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read marker: %w", err)
	}
	return n > 0, nil
}

// Mark implements gateway.MarkerStore
func (s *Storage) Mark(ctx context.Context, userID string) error {
	err := s.client.SetNX(ctx, s.markerKey(userID), time.Now().UTC().Format(time.RFC3339), s.config.MarkerTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set marker: %w", err)
	}
	return nil
}

// Clear implements gateway.MarkerStore
func (s *Storage) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.markerKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear marker: %w", err)
	}
	return nil
}

func parseCount(v interface{}) (int, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case string:
		var n int
		if _, err := fmt.Sscan(val, &n); err != nil {
			return 0, fmt.Errorf("failed to parse balance field %q: %w", val, err)
		}
		return n, nil
	default:
		return 0, errors.New("unexpected balance field type")
	}
}
