package proposals

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var (
	ErrNotFound  = errors.New("proposal entry not found")
	ErrDuplicate = errors.New("proposal entry already exists")
)

// Entry links a pending proposal hash to its assertion.
type Entry struct {
	Account             contracts.Address      `json:"account"`
	ProposalHash        contracts.ProposalHash `json:"proposal_hash"`
	AssertionID         contracts.AssertionID  `json:"assertion_id"`
	Proposer            contracts.Address      `json:"proposer"`
	Bond                *uint256.Int           `json:"bond"`
	CreatedAt           time.Time              `json:"created_at"`
	ChallengeWindowEnds time.Time              `json:"challenge_window_ends"`
}

// Store holds the hash/assertion bijection. Both directions are written and
// removed together: an entry is reachable by its hash iff it is reachable by
// its assertion id.
type Store interface {
	// Insert fails with ErrDuplicate if either the hash or the assertion id
	// is already present for the account.
	Insert(ctx context.Context, e Entry) error
	GetByHash(ctx context.Context, account contracts.Address, h contracts.ProposalHash) (Entry, error)
	GetByAssertion(ctx context.Context, account contracts.Address, id contracts.AssertionID) (Entry, error)
	// Delete removes the entry keyed by h together with its reverse link.
	Delete(ctx context.Context, account contracts.Address, h contracts.ProposalHash) error
	List(ctx context.Context, account contracts.Address) ([]Entry, error)
}

type accountEntries struct {
	byHash      map[contracts.ProposalHash]Entry
	byAssertion map[contracts.AssertionID]contracts.ProposalHash
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[contracts.Address]*accountEntries
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[contracts.Address]*accountEntries)}
}

func (s *MemoryStore) entries(account contracts.Address) *accountEntries {
	a, ok := s.accounts[account]
	if !ok {
		a = &accountEntries{
			byHash:      make(map[contracts.ProposalHash]Entry),
			byAssertion: make(map[contracts.AssertionID]contracts.ProposalHash),
		}
		s.accounts[account] = a
	}
	return a
}

func (s *MemoryStore) Insert(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.entries(e.Account)
	if _, ok := a.byHash[e.ProposalHash]; ok {
		return ErrDuplicate
	}
	if _, ok := a.byAssertion[e.AssertionID]; ok {
		return ErrDuplicate
	}
	a.byHash[e.ProposalHash] = e
	a.byAssertion[e.AssertionID] = e.ProposalHash
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, account contracts.Address, h contracts.ProposalHash) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[account]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e, ok := a.byHash[h]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) GetByAssertion(_ context.Context, account contracts.Address, id contracts.AssertionID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[account]
	if !ok {
		return Entry{}, ErrNotFound
	}
	h, ok := a.byAssertion[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return a.byHash[h], nil
}

func (s *MemoryStore) Delete(_ context.Context, account contracts.Address, h contracts.ProposalHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[account]
	if !ok {
		return ErrNotFound
	}
	e, ok := a.byHash[h]
	if !ok {
		return ErrNotFound
	}
	delete(a.byHash, h)
	delete(a.byAssertion, e.AssertionID)
	return nil
}

func (s *MemoryStore) List(_ context.Context, account contracts.Address) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[account]
	if !ok {
		return []Entry{}, nil
	}
	out := make([]Entry, 0, len(a.byHash))
	for _, e := range a.byHash {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// consistent reports whether both directions agree. Used by tests.
func (s *MemoryStore) consistent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if len(a.byHash) != len(a.byAssertion) {
			return false
		}
		for id, h := range a.byAssertion {
			if e, ok := a.byHash[h]; !ok || e.AssertionID != id {
				return false
			}
		}
	}
	return true
}
