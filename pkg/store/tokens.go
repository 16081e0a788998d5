package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/escrow"
)

// Token is an escrow.Token persisted in token_balances and token_allowances.
// Every mutation runs in one transaction.
type Token struct {
	db   *sql.DB
	addr contracts.Address
	mu   sync.Mutex
}

// NewToken binds the ledger of the token at addr.
func NewToken(db *sql.DB, addr contracts.Address) *Token {
	return &Token{db: db, addr: addr}
}

func (t *Token) Address() contracts.Address { return t.addr }

// Mint credits amount to who. Used to seed lite-mode ledgers.
func (t *Token) Mint(ctx context.Context, who contracts.Address, amount *uint256.Int) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		bal, err := t.balance(ctx, tx, who)
		if err != nil {
			return err
		}
		sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
		if overflow {
			return fmt.Errorf("mint overflows balance of %s", who.Hex())
		}
		return t.setBalance(ctx, tx, who, sum)
	})
}

func (t *Token) Transfer(ctx context.Context, from, to contracts.Address, amount *uint256.Int) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		return t.move(ctx, tx, from, to, amount)
	})
}

func (t *Token) TransferFrom(ctx context.Context, spender, from, to contracts.Address, amount *uint256.Int) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		allowed, err := t.allowance(ctx, tx, from, spender)
		if err != nil {
			return err
		}
		if allowed.Lt(amount) {
			return fmt.Errorf("%w: %s may spend %s of %s, needs %s",
				escrow.ErrInsufficientAllowance, spender.Hex(), allowed.Dec(), from.Hex(), amount.Dec())
		}
		if err := t.move(ctx, tx, from, to, amount); err != nil {
			return err
		}
		return t.setAllowance(ctx, tx, from, spender, new(uint256.Int).Sub(allowed, amount))
	})
}

func (t *Token) Approve(ctx context.Context, owner, spender contracts.Address, amount *uint256.Int) error {
	return t.inTx(ctx, func(tx *sql.Tx) error {
		return t.setAllowance(ctx, tx, owner, spender, amount)
	})
}

func (t *Token) BalanceOf(ctx context.Context, who contracts.Address) (*uint256.Int, error) {
	return t.balance(ctx, t.db, who)
}

func (t *Token) Allowance(ctx context.Context, owner, spender contracts.Address) (*uint256.Int, error) {
	return t.allowance(ctx, t.db, owner, spender)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (t *Token) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin token transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit token transaction: %w", err)
	}
	return nil
}

func (t *Token) move(ctx context.Context, q querier, from, to contracts.Address, amount *uint256.Int) error {
	bal, err := t.balance(ctx, q, from)
	if err != nil {
		return err
	}
	if bal.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", escrow.ErrInsufficientBalance, from.Hex(), bal.Dec(), amount.Dec())
	}
	if err := t.setBalance(ctx, q, from, new(uint256.Int).Sub(bal, amount)); err != nil {
		return err
	}
	dest, err := t.balance(ctx, q, to)
	if err != nil {
		return err
	}
	return t.setBalance(ctx, q, to, new(uint256.Int).Add(dest, amount))
}

func (t *Token) balance(ctx context.Context, q querier, who contracts.Address) (*uint256.Int, error) {
	var amount string
	err := q.QueryRowContext(ctx,
		`SELECT amount FROM token_balances WHERE token = $1 AND holder = $2`,
		t.addr.Hex(), who.Hex()).Scan(&amount)
	return decodeAmount(amount, err)
}

func (t *Token) setBalance(ctx context.Context, q querier, who contracts.Address, amount *uint256.Int) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO token_balances (token, holder, amount) VALUES ($1, $2, $3)
		ON CONFLICT (token, holder) DO UPDATE SET amount = excluded.amount
	`, t.addr.Hex(), who.Hex(), amount.Dec())
	if err != nil {
		return fmt.Errorf("failed to write balance: %w", err)
	}
	return nil
}

func (t *Token) allowance(ctx context.Context, q querier, owner, spender contracts.Address) (*uint256.Int, error) {
	var amount string
	err := q.QueryRowContext(ctx,
		`SELECT amount FROM token_allowances WHERE token = $1 AND owner = $2 AND spender = $3`,
		t.addr.Hex(), owner.Hex(), spender.Hex()).Scan(&amount)
	return decodeAmount(amount, err)
}

func (t *Token) setAllowance(ctx context.Context, q querier, owner, spender contracts.Address, amount *uint256.Int) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO token_allowances (token, owner, spender, amount) VALUES ($1, $2, $3, $4)
		ON CONFLICT (token, owner, spender) DO UPDATE SET amount = excluded.amount
	`, t.addr.Hex(), owner.Hex(), spender.Hex(), amount.Dec())
	if err != nil {
		return fmt.Errorf("failed to write allowance: %w", err)
	}
	return nil
}

func decodeAmount(amount string, err error) (*uint256.Int, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return uint256.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	v, err := uint256.FromDecimal(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt ledger amount %q: %w", amount, err)
	}
	return v, nil
}
