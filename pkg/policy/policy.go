// Package policy evaluates operator-defined admission rules against every
// proposal before a bond is taken. Rules are CEL expressions that must all
// evaluate to true.
package policy

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// Input is what a rule sees about a proposal.
type Input struct {
	Account      contracts.Address
	Proposer     contracts.Address
	ProposalHash contracts.ProposalHash
	Explanation  string
	Transactions []contracts.Transaction
	Now          time.Time
}

func (in Input) activation() map[string]any {
	txs := make([]any, len(in.Transactions))
	total := new(uint256.Int)
	for i, tx := range in.Transactions {
		v := tx.ValueOrZero()
		total.Add(total, v)
		txs[i] = map[string]any{
			"to":        tx.To.Hex(),
			"operation": int64(tx.Operation),
			"value":     v.Dec(),
			"data_len":  int64(len(tx.Data)),
		}
	}
	totalF, _ := new(big.Float).SetInt(total.ToBig()).Float64()
	return map[string]any{
		"now": in.Now.Unix(),
		"proposal": map[string]any{
			"account":      in.Account.Hex(),
			"proposer":     in.Proposer.Hex(),
			"hash":         in.ProposalHash.Hex(),
			"explanation":  in.Explanation,
			"transactions": txs,
			"count":        int64(len(txs)),
			"total_value":  totalF,
		},
	}
}

// Rule is a named CEL expression.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

type compiled struct {
	rule Rule
	prg  cel.Program
}

// Evaluator holds compiled rules.
type Evaluator struct {
	mu    sync.RWMutex
	env   *cel.Env
	rules []compiled
}

// NewEvaluator compiles rules. A rule that fails to compile is a
// configuration error.
func NewEvaluator(rules ...Rule) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("proposal", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &Evaluator{env: env}
	for _, r := range rules {
		if err := e.Add(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Add compiles and appends a rule.
func (e *Evaluator) Add(r Rule) error {
	ast, issues := e.env.Compile(r.Expr)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy %q: compile: %w", r.Name, issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return fmt.Errorf("policy %q: program: %w", r.Name, err)
	}
	e.mu.Lock()
	e.rules = append(e.rules, compiled{rule: r, prg: prg})
	e.mu.Unlock()
	return nil
}

// Admit returns contracts.ErrPolicyRejected naming the first rule that does
// not hold. Evaluation errors reject as well.
func (e *Evaluator) Admit(_ context.Context, in Input) error {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	if len(rules) == 0 {
		return nil
	}

	vars := in.activation()
	for _, c := range rules {
		out, _, err := c.prg.Eval(vars)
		if err != nil {
			return fmt.Errorf("%w: rule %q: %v", contracts.ErrPolicyRejected, c.rule.Name, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return fmt.Errorf("%w: rule %q", contracts.ErrPolicyRejected, c.rule.Name)
		}
	}
	return nil
}
