// Package limiter throttles proposal submissions per proposer so a single
// address cannot flood the oracle with bonded assertions.
package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oyaprotocol/contracts/pkg/clock"
	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// ErrRateLimited is returned when a proposer exhausted its budget.
var ErrRateLimited = &contracts.Error{
	Kind:    contracts.KindStateConflict,
	Code:    "RateLimited",
	Message: "submission rate limit exceeded",
}

// Policy defines a token bucket: PerMinute refill, Burst capacity.
type Policy struct {
	PerMinute int `yaml:"per_minute" json:"per_minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

func (p Policy) rate() float64 {
	r := float64(p.PerMinute) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) capacity() float64 {
	if p.Burst <= 0 {
		return 1
	}
	return float64(p.Burst)
}

// Store keeps buckets.
type Store interface {
	Allow(ctx context.Context, key string, p Policy, cost int) (bool, error)
}

// Limiter applies one Policy to proposers.
type Limiter struct {
	store  Store
	policy Policy
}

// New creates a limiter over store.
func New(store Store, p Policy) *Limiter {
	return &Limiter{store: store, policy: p}
}

// Check consumes one submission for proposer on account. Store failures
// reject the submission.
func (l *Limiter) Check(ctx context.Context, account, proposer contracts.Address) error {
	key := account.Hex() + ":" + proposer.Hex()
	ok, err := l.store.Allow(ctx, key, l.policy, 1)
	if err != nil {
		return fmt.Errorf("submission limiter: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrRateLimited, proposer.Hex())
	}
	return nil
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryStore keeps buckets in process.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
}

// NewMemoryStore creates a MemoryStore. A nil clock uses wall time.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Wall{}
	}
	return &MemoryStore{clock: c, buckets: make(map[string]*bucket)}
}

func (s *MemoryStore) Allow(_ context.Context, key string, p Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: p.capacity(), lastRefill: now}
		s.buckets[key] = b
	}
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * p.rate()
		if b.tokens > p.capacity() {
			b.tokens = p.capacity()
		}
		b.lastRefill = now
	}
	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true, nil
	}
	return false, nil
}
