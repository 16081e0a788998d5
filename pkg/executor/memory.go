package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var (
	ErrInsufficientFunds = errors.New("insufficient native balance")
	ErrNotContract       = errors.New("target has no code")
)

// Call is what a contract handler sees. For a delegatecall Self is the acting
// account, otherwise it is the handler's own address.
type Call struct {
	Caller   contracts.Address
	Self     contracts.Address
	Delegate bool
	Value    *uint256.Int
	Data     []byte
}

// Handler is contract code deployed on a MemorySubstrate.
type Handler interface {
	Handle(ctx context.Context, call Call) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, call Call) error { return f(ctx, call) }

// MemorySubstrate is an in-memory ledger of native balances and contracts.
// Handlers run without the substrate lock held so they may call back in.
type MemorySubstrate struct {
	mu        sync.Mutex
	balances  map[contracts.Address]*uint256.Int
	contracts map[contracts.Address]Handler
	trace     []CallRequest
}

// NewMemorySubstrate creates an empty substrate.
func NewMemorySubstrate() *MemorySubstrate {
	return &MemorySubstrate{
		balances:  make(map[contracts.Address]*uint256.Int),
		contracts: make(map[contracts.Address]Handler),
	}
}

// Deploy installs contract code at addr.
func (m *MemorySubstrate) Deploy(addr contracts.Address, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts[addr] = h
}

// Fund credits native value to addr.
func (m *MemorySubstrate) Fund(addr contracts.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(uint256.Int).Add(m.balance(addr), amount)
}

// Balance returns the native balance of addr.
func (m *MemorySubstrate) Balance(addr contracts.Address) *uint256.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(uint256.Int).Set(m.balance(addr))
}

// Trace returns the successful calls in execution order.
func (m *MemorySubstrate) Trace() []CallRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CallRequest(nil), m.trace...)
}

func (m *MemorySubstrate) balance(addr contracts.Address) *uint256.Int {
	if b, ok := m.balances[addr]; ok {
		return b
	}
	return uint256.NewInt(0)
}

// IsContract implements Substrate.
func (m *MemorySubstrate) IsContract(_ context.Context, addr contracts.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contracts[addr]
	return ok, nil
}

// Call implements Substrate. Value moves before the handler runs and is
// returned if the handler fails.
func (m *MemorySubstrate) Call(ctx context.Context, req CallRequest) error {
	value := req.Value
	if value == nil {
		value = uint256.NewInt(0)
	}
	delegate := req.Operation == contracts.OperationDelegateCall

	m.mu.Lock()
	h, isContract := m.contracts[req.To]
	if !isContract && (delegate || len(req.Data) > 0) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotContract, req.To.Hex())
	}
	moved := !delegate && !value.IsZero()
	if moved {
		if err := m.transfer(req.Acting, req.To, value); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	m.mu.Unlock()

	if isContract {
		call := Call{Caller: req.Acting, Self: req.To, Value: value, Data: req.Data}
		if delegate {
			call.Self, call.Delegate = req.Acting, true
		}
		if err := h.Handle(ctx, call); err != nil {
			if moved {
				m.mu.Lock()
				_ = m.transfer(req.To, req.Acting, value)
				m.mu.Unlock()
			}
			return err
		}
	}

	m.mu.Lock()
	m.trace = append(m.trace, CallRequest{
		Acting:    req.Acting,
		To:        req.To,
		Operation: req.Operation,
		Value:     new(uint256.Int).Set(value),
		Data:      append([]byte(nil), req.Data...),
	})
	m.mu.Unlock()
	return nil
}

func (m *MemorySubstrate) transfer(from, to contracts.Address, amount *uint256.Int) error {
	bal := m.balance(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), bal.Dec(), amount.Dec())
	}
	m.balances[from] = new(uint256.Int).Sub(bal, amount)
	m.balances[to] = new(uint256.Int).Add(m.balance(to), amount)
	return nil
}
