package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// Adapter escrows collateral on behalf of a holder account.
type Adapter struct {
	holder contracts.Address
	token  Token
}

// NewAdapter binds a holder to a collateral token.
func NewAdapter(holder contracts.Address, token Token) *Adapter {
	return &Adapter{holder: holder, token: token}
}

// Holder returns the escrow account.
func (a *Adapter) Holder() contracts.Address { return a.holder }

// Collateral returns the token address.
func (a *Adapter) Collateral() contracts.Address { return a.token.Address() }

// TransferIn pulls amount from `from` into escrow. `from` must have approved
// the holder beforehand.
func (a *Adapter) TransferIn(ctx context.Context, from contracts.Address, amount *uint256.Int) error {
	if err := a.token.TransferFrom(ctx, a.holder, from, a.holder, amount); err != nil {
		return fmt.Errorf("%w: pull %s from %s: %w", contracts.ErrTransferFailed, amount.Dec(), from.Hex(), err)
	}
	return nil
}

// Approve sets the allowance the holder grants spender to exactly amount.
func (a *Adapter) Approve(ctx context.Context, spender contracts.Address, amount *uint256.Int) error {
	if err := a.token.Approve(ctx, a.holder, spender, amount); err != nil {
		return fmt.Errorf("%w: approve %s: %w", contracts.ErrTransferFailed, spender.Hex(), err)
	}
	return nil
}

// Release pays amount out of escrow to `to`.
func (a *Adapter) Release(ctx context.Context, to contracts.Address, amount *uint256.Int) error {
	if err := a.token.Transfer(ctx, a.holder, to, amount); err != nil {
		return fmt.Errorf("%w: release %s to %s: %w", contracts.ErrTransferFailed, amount.Dec(), to.Hex(), err)
	}
	return nil
}

// CollateralWhitelist decides which tokens may back a bond.
type CollateralWhitelist interface {
	IsWhitelisted(ctx context.Context, token contracts.Address) (bool, error)
}

// MemoryWhitelist is an in-memory CollateralWhitelist.
type MemoryWhitelist struct {
	mu     sync.RWMutex
	tokens map[contracts.Address]bool
}

// NewMemoryWhitelist creates a whitelist containing tokens.
func NewMemoryWhitelist(tokens ...contracts.Address) *MemoryWhitelist {
	w := &MemoryWhitelist{tokens: make(map[contracts.Address]bool)}
	for _, t := range tokens {
		w.tokens[t] = true
	}
	return w
}

// Add whitelists a token.
func (w *MemoryWhitelist) Add(token contracts.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tokens[token] = true
}

// Remove drops a token from the whitelist.
func (w *MemoryWhitelist) Remove(token contracts.Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tokens, token)
}

// IsWhitelisted implements CollateralWhitelist.
func (w *MemoryWhitelist) IsWhitelisted(_ context.Context, token contracts.Address) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tokens[token], nil
}
