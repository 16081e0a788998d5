package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var (
	account   = common.HexToAddress("0xa1")
	recipient = common.HexToAddress("0xb2")
	target    = common.HexToAddress("0xc3")
)

func TestReplay_InOrderWithCallbacks(t *testing.T) {
	ctx := context.Background()
	sub := NewMemorySubstrate()
	sub.Fund(account, uint256.NewInt(10))

	var seen []string
	sub.Deploy(target, HandlerFunc(func(_ context.Context, c Call) error {
		seen = append(seen, string(c.Data))
		return nil
	}))

	var executed []int
	err := NewEngine(sub, nil).Replay(ctx, account, []contracts.Transaction{
		{To: recipient, Value: uint256.NewInt(4)},
		{To: target, Data: []byte("first")},
		{To: target, Data: []byte("second")},
	}, func(i int) error {
		executed = append(executed, i)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, executed)
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Equal(t, uint64(4), sub.Balance(recipient).Uint64())
	assert.Equal(t, uint64(6), sub.Balance(account).Uint64())
	assert.Len(t, sub.Trace(), 3)
}

func TestReplay_StopsAtFirstFailureWithoutRollback(t *testing.T) {
	ctx := context.Background()
	sub := NewMemorySubstrate()
	sub.Fund(account, uint256.NewInt(10))
	boom := errors.New("revert")
	sub.Deploy(target, HandlerFunc(func(context.Context, Call) error { return boom }))

	var executed []int
	err := NewEngine(sub, nil).Replay(ctx, account, []contracts.Transaction{
		{To: recipient, Value: uint256.NewInt(3)},
		{To: target, Value: uint256.NewInt(2), Data: []byte{1}},
		{To: recipient, Value: uint256.NewInt(1)},
	}, func(i int) error {
		executed = append(executed, i)
		return nil
	})

	var failed *contracts.TransactionExecutionFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 1, failed.Index)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{0}, executed)

	assert.Equal(t, uint64(3), sub.Balance(recipient).Uint64())
	assert.Equal(t, uint64(7), sub.Balance(account).Uint64())
	assert.True(t, sub.Balance(target).IsZero())
}

func TestMemorySubstrate_InsufficientFunds(t *testing.T) {
	sub := NewMemorySubstrate()
	err := sub.Call(context.Background(), CallRequest{Acting: account, To: recipient, Value: uint256.NewInt(1)})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestMemorySubstrate_DelegateCallRunsInActingContext(t *testing.T) {
	sub := NewMemorySubstrate()
	var got Call
	sub.Deploy(target, HandlerFunc(func(_ context.Context, c Call) error {
		got = c
		return nil
	}))

	require.NoError(t, sub.Call(context.Background(), CallRequest{
		Acting:    account,
		To:        target,
		Operation: contracts.OperationDelegateCall,
		Data:      []byte{1},
	}))
	assert.True(t, got.Delegate)
	assert.Equal(t, account, got.Self)

	err := sub.Call(context.Background(), CallRequest{Acting: account, To: recipient, Operation: contracts.OperationDelegateCall})
	assert.ErrorIs(t, err, ErrNotContract)
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	sub := NewMemorySubstrate()
	r := NewRouter()
	sub.Deploy(target, r)

	var (
		gotCaller contracts.Address
		gotRules  string
	)
	r.Register("setRules", func(_ context.Context, caller contracts.Address, args json.RawMessage) error {
		var in struct {
			Rules string `json:"rules"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return err
		}
		gotCaller, gotRules = caller, in.Rules
		return nil
	})

	data, err := EncodeCall("setRules", map[string]string{"rules": "no rugs"})
	require.NoError(t, err)
	require.NoError(t, NewEngine(sub, nil).Replay(ctx, account, []contracts.Transaction{{To: target, Data: data}}, nil))
	assert.Equal(t, account, gotCaller)
	assert.Equal(t, "no rugs", gotRules)

	data, err = EncodeCall("selfDestruct", nil)
	require.NoError(t, err)
	err = NewEngine(sub, nil).Replay(ctx, account, []contracts.Transaction{{To: target, Data: data}}, nil)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}
