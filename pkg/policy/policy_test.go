package policy

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

func input(txs ...contracts.Transaction) Input {
	return Input{
		Account:      common.HexToAddress("0xa1"),
		Proposer:     common.HexToAddress("0xb2"),
		Explanation:  "monthly payroll",
		Transactions: txs,
		Now:          time.Unix(1_700_000_000, 0),
	}
}

func TestEvaluator_AdmitsWhenAllRulesHold(t *testing.T) {
	e, err := NewEvaluator(
		Rule{Name: "small-batches", Expr: `proposal.count <= 2`},
		Rule{Name: "explained", Expr: `size(proposal.explanation) > 0`},
		Rule{Name: "no-delegatecall", Expr: `proposal.transactions.all(t, t.operation == 0)`},
	)
	require.NoError(t, err)

	assert.NoError(t, e.Admit(context.Background(), input(contracts.Transaction{To: common.HexToAddress("0x1"), Value: uint256.NewInt(5)})))
}

func TestEvaluator_RejectsNamingRule(t *testing.T) {
	e, err := NewEvaluator(Rule{Name: "value-cap", Expr: `proposal.total_value < 100.0`})
	require.NoError(t, err)

	err = e.Admit(context.Background(), input(
		contracts.Transaction{To: common.HexToAddress("0x1"), Value: uint256.NewInt(60)},
		contracts.Transaction{To: common.HexToAddress("0x2"), Value: uint256.NewInt(60)},
	))
	require.ErrorIs(t, err, contracts.ErrPolicyRejected)
	assert.Contains(t, err.Error(), "value-cap")
}

func TestEvaluator_CompileErrors(t *testing.T) {
	_, err := NewEvaluator(Rule{Name: "broken", Expr: `proposal.count <=`})
	assert.Error(t, err)

}

func TestEvaluator_NonBooleanRejects(t *testing.T) {
	e, err := NewEvaluator(Rule{Name: "not-bool", Expr: `1 + 2`})
	require.NoError(t, err)
	assert.ErrorIs(t, e.Admit(context.Background(), input()), contracts.ErrPolicyRejected)
}

func TestEvaluator_EmptyAdmitsEverything(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	assert.NoError(t, e.Admit(context.Background(), input()))
}
