package vault

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var (
	ErrNotFound = errors.New("vault not found")
	ErrExists   = errors.New("vault already exists")
)

// Store persists vaults.
type Store interface {
	Create(ctx context.Context, v *Vault) error
	Get(ctx context.Context, id contracts.Address) (*Vault, error)
	Update(ctx context.Context, v *Vault) error
	List(ctx context.Context) ([]*Vault, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	vaults map[contracts.Address]*Vault
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{vaults: make(map[contracts.Address]*Vault)}
}

func (s *MemoryStore) Create(_ context.Context, v *Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[v.ID]; ok {
		return ErrExists
	}
	s.vaults[v.ID] = v.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id contracts.Address) (*Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vaults[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, v *Vault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[v.ID]; !ok {
		return ErrNotFound
	}
	s.vaults[v.ID] = v.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Vault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Vault, 0, len(s.vaults))
	for _, v := range s.vaults {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Cmp(out[j].ID) < 0 })
	return out, nil
}
