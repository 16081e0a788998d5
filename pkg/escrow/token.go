// Package escrow moves collateral between proposers and the registry's module
// account. The registry never touches balances directly: it pulls bonds in,
// grants the oracle an allowance and refunds on failure through an Adapter.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownToken          = errors.New("unknown token")
)

// Token is a fungible collateral ledger with allowance semantics. The first
// address argument of each mutator is the account performing the call.
type Token interface {
	Address() contracts.Address
	Transfer(ctx context.Context, from, to contracts.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, spender, from, to contracts.Address, amount *uint256.Int) error
	Approve(ctx context.Context, owner, spender contracts.Address, amount *uint256.Int) error
	BalanceOf(ctx context.Context, who contracts.Address) (*uint256.Int, error)
	Allowance(ctx context.Context, owner, spender contracts.Address) (*uint256.Int, error)
}

// Resolver finds the Token deployed at an address.
type Resolver interface {
	Token(addr contracts.Address) (Token, error)
}

// Directory is an in-memory Resolver.
type Directory struct {
	mu     sync.RWMutex
	tokens map[contracts.Address]Token
}

// NewDirectory creates a Directory holding the given tokens.
func NewDirectory(tokens ...Token) *Directory {
	d := &Directory{tokens: make(map[contracts.Address]Token)}
	for _, t := range tokens {
		d.tokens[t.Address()] = t
	}
	return d
}

// Register adds or replaces a token.
func (d *Directory) Register(t Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[t.Address()] = t
}

// Token implements Resolver.
func (d *Directory) Token(addr contracts.Address) (Token, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return t, nil
}

// MemoryToken is a thread-safe in-memory Token.
type MemoryToken struct {
	mu         sync.Mutex
	addr       contracts.Address
	balances   map[contracts.Address]*uint256.Int
	allowances map[contracts.Address]map[contracts.Address]*uint256.Int
}

// NewMemoryToken creates an empty token at addr.
func NewMemoryToken(addr contracts.Address) *MemoryToken {
	return &MemoryToken{
		addr:       addr,
		balances:   make(map[contracts.Address]*uint256.Int),
		allowances: make(map[contracts.Address]map[contracts.Address]*uint256.Int),
	}
}

// Address implements Token.
func (t *MemoryToken) Address() contracts.Address { return t.addr }

// Mint credits amount to who.
func (t *MemoryToken) Mint(who contracts.Address, amount *uint256.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[who] = new(uint256.Int).Add(t.balance(who), amount)
}

func (t *MemoryToken) balance(who contracts.Address) *uint256.Int {
	if b, ok := t.balances[who]; ok {
		return b
	}
	return uint256.NewInt(0)
}

func (t *MemoryToken) allowance(owner, spender contracts.Address) *uint256.Int {
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return uint256.NewInt(0)
}

func (t *MemoryToken) move(from, to contracts.Address, amount *uint256.Int) error {
	bal := t.balance(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	t.balances[from] = new(uint256.Int).Sub(bal, amount)
	t.balances[to] = new(uint256.Int).Add(t.balance(to), amount)
	return nil
}

// Transfer implements Token.
func (t *MemoryToken) Transfer(_ context.Context, from, to contracts.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.move(from, to, amount)
}

// TransferFrom implements Token.
func (t *MemoryToken) TransferFrom(_ context.Context, spender, from, to contracts.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowance(from, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s may spend %s of %s, needs %s", ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), from.Hex(), amount.Dec())
	}
	if err := t.move(from, to, amount); err != nil {
		return err
	}
	t.setAllowance(from, spender, new(uint256.Int).Sub(allowed, amount))
	return nil
}

// Approve implements Token.
func (t *MemoryToken) Approve(_ context.Context, owner, spender contracts.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAllowance(owner, spender, new(uint256.Int).Set(amount))
	return nil
}

func (t *MemoryToken) setAllowance(owner, spender contracts.Address, amount *uint256.Int) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[contracts.Address]*uint256.Int)
		t.allowances[owner] = m
	}
	m[spender] = amount
}

// BalanceOf implements Token.
func (t *MemoryToken) BalanceOf(_ context.Context, who contracts.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.balance(who)), nil
}

// Allowance implements Token.
func (t *MemoryToken) Allowance(_ context.Context, owner, spender contracts.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.allowance(owner, spender)), nil
}
