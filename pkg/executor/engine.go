// Package executor replays an approved transaction batch as the governed
// account. It knows nothing about proposals: it performs calls in order and
// stops at the first failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

var ErrUnsupportedOperation = errors.New("unsupported operation")

// CallRequest is one call performed by Acting.
type CallRequest struct {
	Acting    contracts.Address
	To        contracts.Address
	Operation contracts.Operation
	Value     *uint256.Int
	Data      []byte
}

// Substrate executes calls on the account's ledger.
type Substrate interface {
	Call(ctx context.Context, req CallRequest) error
	IsContract(ctx context.Context, addr contracts.Address) (bool, error)
}

// Engine replays batches through a Substrate.
type Engine struct {
	substrate Substrate
	logger    *slog.Logger
}

// NewEngine creates an engine over s.
func NewEngine(s Substrate, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{substrate: s, logger: logger.With("component", "executor")}
}

// Substrate returns the underlying substrate.
func (e *Engine) Substrate() Substrate { return e.substrate }

// Replay performs txs in order as acting. onExecuted, if set, runs after each
// successful call. The first failure aborts with a
// *contracts.TransactionExecutionFailedError; earlier calls are not undone.
func (e *Engine) Replay(ctx context.Context, acting contracts.Address, txs []contracts.Transaction, onExecuted func(index int) error) error {
	for i, tx := range txs {
		if err := ctx.Err(); err != nil {
			return &contracts.TransactionExecutionFailedError{Index: i, Err: err}
		}
		if !tx.Operation.Valid() {
			return &contracts.TransactionExecutionFailedError{Index: i, Err: fmt.Errorf("%w: %s", ErrUnsupportedOperation, tx.Operation)}
		}
		err := e.substrate.Call(ctx, CallRequest{
			Acting:    acting,
			To:        tx.To,
			Operation: tx.Operation,
			Value:     tx.ValueOrZero(),
			Data:      tx.Data,
		})
		if err != nil {
			e.logger.Warn("transaction failed", "acting", acting.Hex(), "index", i, "to", tx.To.Hex(), "error", err)
			return &contracts.TransactionExecutionFailedError{Index: i, Err: err}
		}
		if onExecuted != nil {
			if err := onExecuted(i); err != nil {
				return fmt.Errorf("after transaction %d: %w", i, err)
			}
		}
	}
	return nil
}
