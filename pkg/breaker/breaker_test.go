package breaker

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/events"
)

var (
	cat      = common.HexToAddress("0xca7")
	stranger = common.HexToAddress("0xbad")
)

func TestBreaker_FreezeRequiresAuthority(t *testing.T) {
	ctx := context.Background()
	log := events.NewMemoryLog()
	b, err := New(ctx, NewMemoryStore(), cat, WithEvents(events.NewEmitter(log)))
	require.NoError(t, err)

	require.NoError(t, b.Check())
	assert.ErrorIs(t, b.Freeze(ctx, stranger), contracts.ErrNotCAT)

	require.NoError(t, b.Freeze(ctx, cat))
	assert.ErrorIs(t, b.Check(), contracts.ErrProtocolFrozen)
	require.NoError(t, b.Freeze(ctx, cat))

	assert.ErrorIs(t, b.Unfreeze(ctx, stranger), contracts.ErrNotCAT)
	require.NoError(t, b.Unfreeze(ctx, cat))
	assert.NoError(t, b.Check())

	seq, _, err := log.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestBreaker_StatePersists(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	b, err := New(ctx, store, cat)
	require.NoError(t, err)
	require.NoError(t, b.Freeze(ctx, cat))

	reloaded, err := New(ctx, store, stranger)
	require.NoError(t, err)
	assert.ErrorIs(t, reloaded.Check(), contracts.ErrProtocolFrozen)
	assert.Equal(t, cat, reloaded.State().Authority)
}

func TestBreaker_TransferAuthority(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, NewMemoryStore(), cat)
	require.NoError(t, err)

	assert.ErrorIs(t, b.TransferAuthority(ctx, stranger, stranger), contracts.ErrNotCAT)
	assert.ErrorIs(t, b.TransferAuthority(ctx, cat, contracts.ZeroAddress), contracts.ErrInvalidAddress)
	require.NoError(t, b.TransferAuthority(ctx, cat, stranger))

	assert.ErrorIs(t, b.Freeze(ctx, cat), contracts.ErrNotCAT)
	assert.NoError(t, b.Freeze(ctx, stranger))
}

func TestNew_RequiresAuthorityOnFirstBoot(t *testing.T) {
	_, err := New(context.Background(), NewMemoryStore(), contracts.ZeroAddress)
	assert.ErrorIs(t, err, contracts.ErrInvalidAddress)
}
