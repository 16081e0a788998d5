package oracle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyaprotocol/contracts/pkg/clock"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/escrow"
)

var (
	oracleAddr = common.HexToAddress("0x0a00000000000000000000000000000000000000")
	tokenAddr  = common.HexToAddress("0x0b00000000000000000000000000000000000000")
	module     = common.HexToAddress("0x0c00000000000000000000000000000000000000")
	proposer   = common.HexToAddress("0x0d00000000000000000000000000000000000000")
	disputer   = common.HexToAddress("0x0e00000000000000000000000000000000000000")
)

type recordingCallbacks struct {
	disputed []contracts.AssertionID
	resolved map[contracts.AssertionID]bool
	fail     error
}

func (r *recordingCallbacks) AssertionDisputed(_ context.Context, caller contracts.Address, id contracts.AssertionID) error {
	if caller != oracleAddr {
		return contracts.ErrNotOracle
	}
	if r.fail != nil {
		return r.fail
	}
	r.disputed = append(r.disputed, id)
	return nil
}

func (r *recordingCallbacks) AssertionResolved(_ context.Context, caller contracts.Address, id contracts.AssertionID, truthful bool) error {
	if caller != oracleAddr {
		return contracts.ErrNotOracle
	}
	if r.resolved == nil {
		r.resolved = make(map[contracts.AssertionID]bool)
	}
	r.resolved[id] = truthful
	return nil
}

type fixture struct {
	clk    *clock.Manual
	token  *escrow.MemoryToken
	oracle *Simulated
	client *Client
	escrow *escrow.Adapter
	cb     *recordingCallbacks
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tok := escrow.NewMemoryToken(tokenAddr)
	tok.Mint(module, uint256.NewInt(1000))
	tok.Mint(disputer, uint256.NewInt(1000))

	o := NewSimulated(oracleAddr, escrow.NewDirectory(tok),
		WithClock(clk),
		WithMinimumBond(tokenAddr, uint256.NewInt(50)),
		WithCollateralWhitelist(escrow.NewMemoryWhitelist(tokenAddr)),
	)
	cb := &recordingCallbacks{}
	o.RegisterCallbacks(module, cb)

	return &fixture{
		clk:    clk,
		token:  tok,
		oracle: o,
		client: NewClient(o),
		escrow: escrow.NewAdapter(module, tok),
		cb:     cb,
	}
}

func (f *fixture) assert(t *testing.T, bond uint64) contracts.AssertionID {
	t.Helper()
	id, err := f.client.Assert(context.Background(), f.escrow, AssertParams{
		ProposalHash:      common.HexToHash("0x01"),
		Explanation:       "pay rent",
		Rules:             "be nice",
		Asserter:          proposer,
		CallbackRecipient: module,
		Liveness:          time.Hour,
		Identifier:        f.oracle.DefaultIdentifier(),
		Bond:              uint256.NewInt(bond),
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) balance(t *testing.T, who contracts.Address) uint64 {
	t.Helper()
	b, err := f.token.BalanceOf(context.Background(), who)
	require.NoError(t, err)
	return b.Uint64()
}

func TestBuildClaim(t *testing.T) {
	h := common.HexToHash("0xabcdef")
	claim := BuildClaim(h, `say "hi"`, "rules")
	assert.Equal(t,
		`proposalHash:0x0000000000000000000000000000000000000000000000000000000000abcdef,explanation:"say \"hi\"",rules:"rules"`,
		string(claim))
}

func TestBuildClaim_NormalisesText(t *testing.T) {
	h := common.HexToHash("0x01")
	assert.Equal(t, BuildClaim(h, "caf\u00e9", "r"), BuildClaim(h, "cafe\u0301", "r"))
}

func TestIdentifierRoundTrip(t *testing.T) {
	id := IdentifierFromString(DefaultIdentifierName)
	assert.Equal(t, DefaultIdentifierName, IdentifierString(id))
}

func TestClient_BondIsMaxOfConfiguredAndMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.client.Bond(ctx, tokenAddr, uint256.NewInt(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), b.Uint64())

	b, err = f.client.Bond(ctx, tokenAddr, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), b.Uint64())
}

type stuckAllowanceToken struct {
	escrow.Token
}

func (s stuckAllowanceToken) Approve(ctx context.Context, owner, spender contracts.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return errors.New("allowance locked")
	}
	return s.Token.Approve(ctx, owner, spender, amount)
}

func TestClient_FailedAssertLogsAllowanceReset(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	c := NewClient(f.oracle, WithClientLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	_, err := c.Assert(context.Background(), escrow.NewAdapter(module, stuckAllowanceToken{f.token}), AssertParams{
		ProposalHash:      common.HexToHash("0x02"),
		Rules:             "be nice",
		Asserter:          proposer,
		CallbackRecipient: module,
		Liveness:          time.Hour,
		Identifier:        f.oracle.DefaultIdentifier(),
		Bond:              uint256.NewInt(10),
	})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "oracle allowance reset failed")
	assert.Contains(t, buf.String(), "allowance locked")
}

func TestSimulated_UndisputedSettlesAfterLiveness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assert(t, 100)

	assert.Equal(t, uint64(900), f.balance(t, module))
	allowance, _ := f.token.Allowance(ctx, module, oracleAddr)
	assert.True(t, allowance.IsZero())

	_, err := f.client.SettleAndGetResult(ctx, id)
	assert.ErrorIs(t, err, ErrNotExpired)

	f.clk.Advance(time.Hour)
	ok, err := f.client.SettleAndGetResult(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(100), f.balance(t, proposer))
	assert.True(t, f.cb.resolved[id])

	again, err := f.client.SettleAndGetResult(ctx, id)
	require.NoError(t, err)
	assert.True(t, again)
	assert.Equal(t, uint64(100), f.balance(t, proposer))
}

func TestSimulated_DisputeNotifiesAndPaysWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assert(t, 100)

	require.NoError(t, f.token.Approve(ctx, disputer, oracleAddr, uint256.NewInt(100)))
	require.NoError(t, f.oracle.Dispute(ctx, disputer, id))
	assert.Equal(t, []contracts.AssertionID{id}, f.cb.disputed)
	assert.ErrorIs(t, f.oracle.Dispute(ctx, disputer, id), ErrAlreadyDisputed)

	_, err := f.client.SettleAndGetResult(ctx, id)
	assert.ErrorIs(t, err, ErrUnresolved)

	require.NoError(t, f.oracle.Resolve(ctx, id, false))
	ok, err := f.client.SettleAndGetResult(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1100), f.balance(t, disputer))
	assert.Equal(t, uint64(0), f.balance(t, proposer))
}

func TestSimulated_DisputeAfterLivenessFails(t *testing.T) {
	f := newFixture(t)
	id := f.assert(t, 100)
	f.clk.Advance(time.Hour)
	assert.ErrorIs(t, f.oracle.Dispute(context.Background(), disputer, id), ErrExpired)
}

func TestSimulated_RejectedDisputeCallbackUndoes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.assert(t, 100)
	f.cb.fail = errors.New("no")

	require.NoError(t, f.token.Approve(ctx, disputer, oracleAddr, uint256.NewInt(100)))
	assert.Error(t, f.oracle.Dispute(ctx, disputer, id))
	assert.Equal(t, uint64(1000), f.balance(t, disputer))

	a, err := f.oracle.GetAssertion(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ZeroAddress, a.Disputer)
}

func TestSimulated_AssertRejectsLowBondAndUnknownCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.Assert(ctx, f.escrow, AssertParams{Asserter: proposer, Bond: uint256.NewInt(10), Identifier: f.oracle.DefaultIdentifier()})
	assert.ErrorIs(t, err, ErrBondTooLow)
	allowance, _ := f.token.Allowance(ctx, module, oracleAddr)
	assert.True(t, allowance.IsZero())

	other := escrow.NewAdapter(module, escrow.NewMemoryToken(common.HexToAddress("0x99")))
	_, err = f.client.Assert(ctx, other, AssertParams{Asserter: proposer, Bond: uint256.NewInt(100)})
	assert.ErrorIs(t, err, contracts.ErrUnsupportedCollateral)
}

func TestSimulated_UnknownAssertionIsZero(t *testing.T) {
	f := newFixture(t)
	migrated, err := f.client.Migrated(context.Background(), common.HexToHash("0x42"))
	require.NoError(t, err)
	assert.True(t, migrated)
}

func TestFinder_HighestSatisfyingRelease(t *testing.T) {
	f, err := NewFinder("~3")
	require.NoError(t, err)

	_, _, err = f.Current()
	assert.ErrorIs(t, err, ErrNoOracle)

	v3 := NewSimulated(common.HexToAddress("0x03"), escrow.NewDirectory())
	v31 := NewSimulated(common.HexToAddress("0x31"), escrow.NewDirectory())
	v4 := NewSimulated(common.HexToAddress("0x04"), escrow.NewDirectory())
	require.NoError(t, f.Publish("3.0.0", v3))
	require.NoError(t, f.Publish("4.0.0", v4))
	require.NoError(t, f.Publish("3.1.0", v31))
	assert.Error(t, f.Publish("3.1.0", v31))

	o, v, err := f.Current()
	require.NoError(t, err)
	assert.Equal(t, "3.1.0", v.String())
	assert.Same(t, v31, o)
}

func TestFinder_Identifiers(t *testing.T) {
	f, err := NewFinder("")
	require.NoError(t, err)
	id := IdentifierFromString("YES_OR_NO_QUERY")

	ok, _ := f.IsSupported(context.Background(), id)
	assert.False(t, ok)
	f.SupportIdentifier(id)
	ok, _ = f.IsSupported(context.Background(), id)
	assert.True(t, ok)
}
