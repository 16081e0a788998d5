package escrow

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var (
	tokenAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")
	module    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	proposer  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	oracle    = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

func balance(t *testing.T, tok Token, who contracts.Address) uint64 {
	t.Helper()
	b, err := tok.BalanceOf(context.Background(), who)
	require.NoError(t, err)
	return b.Uint64()
}

func TestAdapter_TransferInRequiresApproval(t *testing.T) {
	ctx := context.Background()
	tok := NewMemoryToken(tokenAddr)
	tok.Mint(proposer, uint256.NewInt(500))
	a := NewAdapter(module, tok)

	err := a.TransferIn(ctx, proposer, uint256.NewInt(100))
	require.ErrorIs(t, err, contracts.ErrTransferFailed)
	assert.ErrorIs(t, err, ErrInsufficientAllowance)
	assert.Equal(t, uint64(500), balance(t, tok, proposer))

	require.NoError(t, tok.Approve(ctx, proposer, module, uint256.NewInt(100)))
	require.NoError(t, a.TransferIn(ctx, proposer, uint256.NewInt(100)))
	assert.Equal(t, uint64(400), balance(t, tok, proposer))
	assert.Equal(t, uint64(100), balance(t, tok, module))

	left, err := tok.Allowance(ctx, proposer, module)
	require.NoError(t, err)
	assert.True(t, left.IsZero())
}

func TestAdapter_ApproveAndRelease(t *testing.T) {
	ctx := context.Background()
	tok := NewMemoryToken(tokenAddr)
	tok.Mint(module, uint256.NewInt(100))
	a := NewAdapter(module, tok)

	require.NoError(t, a.Approve(ctx, oracle, uint256.NewInt(100)))
	allowed, err := tok.Allowance(ctx, module, oracle)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), allowed.Uint64())

	require.NoError(t, a.Approve(ctx, oracle, uint256.NewInt(0)))
	allowed, err = tok.Allowance(ctx, module, oracle)
	require.NoError(t, err)
	assert.True(t, allowed.IsZero())

	require.NoError(t, a.Release(ctx, proposer, uint256.NewInt(60)))
	assert.Equal(t, uint64(60), balance(t, tok, proposer))

	err = a.Release(ctx, proposer, uint256.NewInt(41))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestDirectory(t *testing.T) {
	tok := NewMemoryToken(tokenAddr)
	d := NewDirectory(tok)

	got, err := d.Token(tokenAddr)
	require.NoError(t, err)
	assert.Same(t, tok, got)

	_, err = d.Token(module)
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestMemoryWhitelist(t *testing.T) {
	ctx := context.Background()
	w := NewMemoryWhitelist(tokenAddr)

	ok, err := w.IsWhitelisted(ctx, tokenAddr)
	require.NoError(t, err)
	assert.True(t, ok)

	w.Remove(tokenAddr)
	ok, _ = w.IsWhitelisted(ctx, tokenAddr)
	assert.False(t, ok)
}
