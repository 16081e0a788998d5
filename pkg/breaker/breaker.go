// Package breaker implements the protocol-wide circuit breaker. A single
// authority (the CAT) can freeze every governed account at once; while
// frozen, no proposal can be submitted or executed anywhere.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oyaprotocol/contracts/pkg/clock"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/events"
)

// ErrNotFound is returned by a Store that holds no state yet.
var ErrNotFound = errors.New("breaker state not found")

// State is the persisted breaker state.
type State struct {
	Authority contracts.Address `json:"authority"`
	Frozen    bool              `json:"frozen"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store persists breaker state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return State{}, ErrNotFound
	}
	return *m.state, nil
}

func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	return nil
}

// Breaker is the protocol circuit breaker.
type Breaker struct {
	mu     sync.RWMutex
	store  Store
	state  State
	clock  clock.Clock
	events *events.Emitter
	logger *slog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithClock(c clock.Clock) Option { return func(b *Breaker) { b.clock = c } }

func WithEvents(e *events.Emitter) Option { return func(b *Breaker) { b.events = e } }

func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l.With("component", "breaker") }
}

// New loads the breaker from store, or initialises it unfrozen with
// authority when the store is empty.
func New(ctx context.Context, store Store, authority contracts.Address, opts ...Option) (*Breaker, error) {
	b := &Breaker{
		store:  store,
		clock:  clock.Wall{},
		logger: slog.Default().With("component", "breaker"),
	}
	for _, opt := range opts {
		opt(b)
	}

	st, err := store.Load(ctx)
	switch {
	case err == nil:
		b.state = st
	case errors.Is(err, ErrNotFound):
		if authority == contracts.ZeroAddress {
			return nil, fmt.Errorf("breaker authority: %w", contracts.ErrInvalidAddress)
		}
		b.state = State{Authority: authority, UpdatedAt: b.clock.Now()}
		if err := store.Save(ctx, b.state); err != nil {
			return nil, fmt.Errorf("save breaker state: %w", err)
		}
	default:
		return nil, fmt.Errorf("load breaker state: %w", err)
	}
	return b, nil
}

// Check returns ErrProtocolFrozen while the protocol is frozen.
func (b *Breaker) Check() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state.Frozen {
		return contracts.ErrProtocolFrozen
	}
	return nil
}

// State returns a snapshot.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

type authorityPayload struct {
	Previous contracts.Address `json:"previous"`
	Next     contracts.Address `json:"next"`
}

type freezePayload struct {
	Authority contracts.Address `json:"authority"`
	Frozen    bool              `json:"frozen"`
}

// Freeze halts all proposals and executions. Idempotent.
func (b *Breaker) Freeze(ctx context.Context, caller contracts.Address) error {
	return b.setFrozen(ctx, caller, true)
}

// Unfreeze lifts the freeze. Idempotent.
func (b *Breaker) Unfreeze(ctx context.Context, caller contracts.Address) error {
	return b.setFrozen(ctx, caller, false)
}

func (b *Breaker) setFrozen(ctx context.Context, caller contracts.Address, frozen bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.state.Authority {
		return contracts.ErrNotCAT
	}
	if b.state.Frozen == frozen {
		return nil
	}
	next := b.state
	next.Frozen = frozen
	next.UpdatedAt = b.clock.Now()
	if err := b.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	b.state = next

	typ := events.ProtocolUnfrozen
	if frozen {
		typ = events.ProtocolFrozen
	}
	b.logger.Warn("protocol breaker toggled", "frozen", frozen, "authority", caller.Hex())
	b.events.Record(ctx, typ, contracts.ZeroAddress, freezePayload{Authority: caller, Frozen: frozen}, "")
	return nil
}

// TransferAuthority hands the CAT role to next.
func (b *Breaker) TransferAuthority(ctx context.Context, caller, next contracts.Address) error {
	if next == contracts.ZeroAddress {
		return contracts.ErrInvalidAddress
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.state.Authority {
		return contracts.ErrNotCAT
	}
	st := b.state
	st.Authority = next
	st.UpdatedAt = b.clock.Now()
	if err := b.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save breaker state: %w", err)
	}
	b.state = st
	b.events.Record(ctx, events.AuthorityTransferred, contracts.ZeroAddress, authorityPayload{Previous: caller, Next: next}, "")
	return nil
}
