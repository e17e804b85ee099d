// Package tiered provides a read-through prompt repository that serves
// fragments from a short-lived hot tier in front of a durable cold store.
package tiered

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/designgate/pkg/gateway"
)

// DefaultTTL is how long a fragment stays in the hot tier
const DefaultTTL = time.Minute

// Config configures the tiered repository
type Config struct {
	// Cold is the source of truth (e.g., Postgres, Firestore)
	Cold gateway.PromptRepository

	// TTL bounds how stale a hot entry may be (default: 1 minute)
	TTL time.Duration

	// CacheMisses also remembers ids the cold store did not have, so unknown
	// feature ids do not reach it on every request
	CacheMisses bool
}

// Stats holds hot tier statistics
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

type entry struct {
	frag       *gateway.Fragment // nil for a remembered miss
	expiration time.Time
}

// Storage implements gateway.PromptRepository with a read-through strategy:
// hot tier first, then the cold store, then populate the hot tier.
type Storage struct {
	cold gateway.PromptRepository
	conf Config

	mu     sync.RWMutex
	hot    map[string]entry
	hits   int64
	misses int64

	now func() time.Time
}

// New creates a new tiered prompt repository
func New(config Config) (*Storage, error) {
	if config.Cold == nil {
		return nil, errors.New("tiered storage: cold storage is required")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Storage{
		cold: config.Cold,
		conf: config,
		hot:  make(map[string]entry),
		now:  time.Now,
	}, nil
}

// FetchFragments implements gateway.PromptRepository
func (s *Storage) FetchFragments(ctx context.Context, ids []string) (map[string]*gateway.Fragment, error) {
	out := make(map[string]*gateway.Fragment, len(ids))
	var missing []string

	// 1. Try Hot
	now := s.now()
	s.mu.Lock()
	for _, id := range ids {
		e, ok := s.hot[id]
		if !ok || now.After(e.expiration) {
			missing = append(missing, id)
			s.misses++
			continue
		}
		s.hits++
		if e.frag != nil {
			fragCopy := *e.frag
			out[id] = &fragCopy
		}
	}
	s.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	// 2. Try Cold (Source of Truth)
	fetched, err := s.cold.FetchFragments(ctx, missing)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot
	expiration := s.now().Add(s.conf.TTL)
	s.mu.Lock()
	for _, id := range missing {
		frag, ok := fetched[id]
		if ok && frag != nil {
			fragCopy := *frag
			s.hot[id] = entry{frag: &fragCopy, expiration: expiration}
			out[id] = frag
			continue
		}
		if s.conf.CacheMisses {
			s.hot[id] = entry{expiration: expiration}
		}
	}
	s.mu.Unlock()

	return out, nil
}

// Invalidate drops the given ids from the hot tier
func (s *Storage) Invalidate(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.hot, id)
	}
}

// Clear empties the hot tier
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hot = make(map[string]entry)
}

// Stats returns hot tier statistics
func (s *Storage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Hits: s.hits, Misses: s.misses, Size: len(s.hot)}
}
