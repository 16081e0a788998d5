package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/proposals"
)

// ProposalStore implements proposals.Store. Both directions of the
// hash/assertion link live in one row, so they cannot drift apart.
type ProposalStore struct {
	db *sql.DB
}

func NewProposalStore(db *sql.DB) *ProposalStore {
	return &ProposalStore{db: db}
}

const proposalColumns = `account, proposal_hash, assertion_id, proposer, bond, created_at, challenge_window_ends`

func (s *ProposalStore) Insert(ctx context.Context, e proposals.Entry) error {
	bond := "0"
	if e.Bond != nil {
		bond = e.Bond.Dec()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proposals (`+proposalColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Account.Hex(), e.ProposalHash.Hex(), e.AssertionID.Hex(), e.Proposer.Hex(), bond,
		unixNano(e.CreatedAt), unixNano(e.ChallengeWindowEnds),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return proposals.ErrDuplicate
		}
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

func (s *ProposalStore) GetByHash(ctx context.Context, account contracts.Address, h contracts.ProposalHash) (proposals.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE account = $1 AND proposal_hash = $2`,
		account.Hex(), h.Hex())
	return scanEntry(row)
}

func (s *ProposalStore) GetByAssertion(ctx context.Context, account contracts.Address, id contracts.AssertionID) (proposals.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE account = $1 AND assertion_id = $2`,
		account.Hex(), id.Hex())
	return scanEntry(row)
}

func (s *ProposalStore) Delete(ctx context.Context, account contracts.Address, h contracts.ProposalHash) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM proposals WHERE account = $1 AND proposal_hash = $2`,
		account.Hex(), h.Hex())
	if err != nil {
		return fmt.Errorf("failed to delete proposal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return proposals.ErrNotFound
	}
	return nil
}

func (s *ProposalStore) List(ctx context.Context, account contracts.Address) ([]proposals.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE account = $1 ORDER BY created_at ASC`,
		account.Hex())
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []proposals.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (proposals.Entry, error) {
	var (
		account, hash, assertion, proposer, bond string
		created, ends                            int64
	)
	if err := row.Scan(&account, &hash, &assertion, &proposer, &bond, &created, &ends); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return proposals.Entry{}, proposals.ErrNotFound
		}
		return proposals.Entry{}, fmt.Errorf("failed to scan proposal: %w", err)
	}
	amount, err := uint256.FromDecimal(bond)
	if err != nil {
		return proposals.Entry{}, fmt.Errorf("corrupt bond %q: %w", bond, err)
	}
	return proposals.Entry{
		Account:             common.HexToAddress(account),
		ProposalHash:        common.HexToHash(hash),
		AssertionID:         common.HexToHash(assertion),
		Proposer:            common.HexToAddress(proposer),
		Bond:                amount,
		CreatedAt:           fromUnixNano(created),
		ChallengeWindowEnds: fromUnixNano(ends),
	}, nil
}
