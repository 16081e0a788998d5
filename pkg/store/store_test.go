package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyaprotocol/contracts/pkg/breaker"
	"github.com/oyaprotocol/contracts/pkg/escrow"
	"github.com/oyaprotocol/contracts/pkg/events"
	"github.com/oyaprotocol/contracts/pkg/proposals"
	"github.com/oyaprotocol/contracts/pkg/vault"
)

var (
	account  = common.HexToAddress("0xacc0")
	proposer = common.HexToAddress("0x90")
	oracle   = common.HexToAddress("0x0a")
	tokenA   = common.HexToAddress("0x70")
	hashA    = common.HexToHash("0x01")
	assertA  = common.HexToHash("0xa1")
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*ProposalStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewProposalStore(db), mock
}

func TestInit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS proposals").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Init(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProposalStore_Insert(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	entry := proposals.Entry{
		Account:             account,
		ProposalHash:        hashA,
		AssertionID:         assertA,
		Proposer:            proposer,
		Bond:                uint256.NewInt(100),
		CreatedAt:           t0,
		ChallengeWindowEnds: t0.Add(time.Hour),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proposals")).
		WithArgs(account.Hex(), hashA.Hex(), assertA.Hex(), proposer.Hex(), "100", t0.UnixNano(), t0.Add(time.Hour).UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Insert(ctx, entry))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO proposals")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	assert.ErrorIs(t, s.Insert(ctx, entry), proposals.ErrDuplicate)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProposalStore_Get(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	cols := []string{"account", "proposal_hash", "assertion_id", "proposer", "bond", "created_at", "challenge_window_ends"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE account = $1 AND proposal_hash = $2")).
		WithArgs(account.Hex(), hashA.Hex()).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(account.Hex(), hashA.Hex(), assertA.Hex(), proposer.Hex(), "100", t0.UnixNano(), t0.Add(time.Hour).UnixNano()))

	e, err := s.GetByHash(ctx, account, hashA)
	require.NoError(t, err)
	assert.Equal(t, assertA, e.AssertionID)
	assert.Equal(t, proposer, e.Proposer)
	assert.Equal(t, uint64(100), e.Bond.Uint64())
	assert.True(t, t0.Equal(e.CreatedAt))
	assert.True(t, t0.Add(time.Hour).Equal(e.ChallengeWindowEnds))

	mock.ExpectQuery(regexp.QuoteMeta("FROM proposals WHERE account = $1 AND assertion_id = $2")).
		WithArgs(account.Hex(), assertA.Hex()).
		WillReturnRows(sqlmock.NewRows(cols))
	_, err = s.GetByAssertion(ctx, account, assertA)
	assert.ErrorIs(t, err, proposals.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProposalStore_DeleteAndList(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM proposals")).
		WithArgs(account.Hex(), hashA.Hex()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Delete(ctx, account, hashA))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM proposals")).
		WithArgs(account.Hex(), hashA.Hex()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Delete(ctx, account, hashA), proposals.ErrNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at ASC")).
		WithArgs(account.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"account", "proposal_hash", "assertion_id", "proposer", "bond", "created_at", "challenge_window_ends"}).
			AddRow(account.Hex(), hashA.Hex(), assertA.Hex(), proposer.Hex(), "5", int64(1), int64(2)).
			AddRow(account.Hex(), common.HexToHash("0x02").Hex(), common.HexToHash("0xa2").Hex(), proposer.Hex(), "6", int64(3), int64(4)))
	list, err := s.List(ctx, account)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, hashA, list[0].ProposalHash)
	assert.Equal(t, uint64(6), list[1].Bond.Uint64())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVaultStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := NewVaultStore(db)
	ctx := context.Background()

	v := &vault.Vault{ID: account, Rules: "rules", Controllers: []common.Address{proposer}, CreatedAt: t0, UpdatedAt: t0}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vaults")).
		WithArgs(account.Hex(), sqlmock.AnyArg(), t0.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Create(ctx, v))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO vaults")).
		WillReturnError(&pq.Error{Code: "23505"})
	assert.ErrorIs(t, s.Create(ctx, v), vault.ErrExists)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE vaults")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.Update(ctx, v), vault.ErrNotFound)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM vaults WHERE id = $1")).
		WithArgs(account.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow(`{"id":"0x000000000000000000000000000000000000acc0","rules":"rules","mode":"manual","controllers":["0x0000000000000000000000000000000000000090"],"guardians":[]}`))
	got, err := s.Get(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, "rules", got.Rules)
	assert.Equal(t, vault.ModeManual, got.Mode)
	assert.True(t, got.IsController(proposer))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT body FROM vaults WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows([]string{"body"}))
	_, err = s.Get(ctx, proposer)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBreakerStore(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	s := NewBreakerStore(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM breaker_state")).
		WillReturnRows(sqlmock.NewRows([]string{"authority", "frozen", "updated_at"}))
	_, err = s.Load(ctx)
	assert.ErrorIs(t, err, breaker.ErrNotFound)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO breaker_state")).
		WithArgs(oracle.Hex(), true, t0.UnixNano()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.Save(ctx, breaker.State{Authority: oracle, Frozen: true, UpdatedAt: t0}))

	mock.ExpectQuery(regexp.QuoteMeta("FROM breaker_state")).
		WillReturnRows(sqlmock.NewRows([]string{"authority", "frozen", "updated_at"}).AddRow(oracle.Hex(), true, t0.UnixNano()))
	st, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.Frozen)
	assert.Equal(t, oracle, st.Authority)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestToken_TransferFrom(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	tok := NewToken(db, tokenA)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT amount FROM token_allowances")).
		WithArgs(tokenA.Hex(), proposer.Hex(), oracle.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("150"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT amount FROM token_balances")).
		WithArgs(tokenA.Hex(), proposer.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}).AddRow("1000"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_balances")).
		WithArgs(tokenA.Hex(), proposer.Hex(), "900").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT amount FROM token_balances")).
		WithArgs(tokenA.Hex(), oracle.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_balances")).
		WithArgs(tokenA.Hex(), oracle.Hex(), "100").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO token_allowances")).
		WithArgs(tokenA.Hex(), proposer.Hex(), oracle.Hex(), "50").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, tok.TransferFrom(ctx, oracle, proposer, oracle, uint256.NewInt(100)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestToken_InsufficientAllowanceRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	tok := NewToken(db, tokenA)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT amount FROM token_allowances")).
		WillReturnRows(sqlmock.NewRows([]string{"amount"}))
	mock.ExpectRollback()

	err = tok.TransferFrom(context.Background(), oracle, proposer, oracle, uint256.NewInt(1))
	assert.ErrorIs(t, err, escrow.ErrInsufficientAllowance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventLog_AppendChainsFromHead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	l := NewEventLog(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT sequence, hash FROM events")).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "hash"}).AddRow(int64(7), "prev"))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO events")).
		WithArgs(int64(8), "evt-1", "SetRules", account.Hex(), `{"rules":"r"}`,
			sqlmock.AnyArg(), "prev", sqlmock.AnyArg(), "", t0.UnixNano()).
		WillReturnResult(sqlmock.NewResult(8, 1))
	mock.ExpectCommit()

	e := &events.Envelope{EventID: "evt-1", Type: events.SetRules, Account: account, Payload: []byte(`{"rules":"r"}`), CommittedAt: t0}
	seq, err := l.Append(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), seq)
	assert.Equal(t, "prev", e.PrevHash)
	assert.NotEmpty(t, e.Hash)

	mock.ExpectQuery(regexp.QuoteMeta("FROM events WHERE sequence >= $1")).
		WithArgs(int64(8), int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "event_id", "type", "account", "payload", "payload_hash", "prev_hash", "hash", "archive_ref", "committed_at"}).
			AddRow(int64(8), e.EventID, "SetRules", account.Hex(), string(e.Payload), e.PayloadHash, e.PrevHash, e.Hash, "", t0.UnixNano()))
	got, err := l.Range(ctx, 8, 8)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NoError(t, events.Verify(got, "prev"))

	_, err = l.Range(ctx, 0, 1)
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
