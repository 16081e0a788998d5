package proposals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/escrow"
	"github.com/oyaprotocol/contracts/pkg/events"
	"github.com/oyaprotocol/contracts/pkg/oracle"
	"github.com/oyaprotocol/contracts/pkg/policy"
)

// ProposedPayload is the body of a TransactionsProposed event.
type ProposedPayload struct {
	Proposer            contracts.Address      `json:"proposer"`
	Account             contracts.Address      `json:"account"`
	ProposalTime        time.Time              `json:"proposal_time"`
	AssertionID         contracts.AssertionID  `json:"assertion_id"`
	Proposal            contracts.Proposal     `json:"proposal"`
	ProposalHash        contracts.ProposalHash `json:"proposal_hash"`
	Explanation         string                 `json:"explanation"`
	Rules               string                 `json:"rules"`
	Bond                *uint256.Int           `json:"bond"`
	ChallengeWindowEnds time.Time              `json:"challenge_window_ends"`
}

// Propose bonds and asserts a batch on behalf of proposer. The batch is
// copied; later changes to txs have no effect.
func (r *Registry) Propose(ctx context.Context, proposer contracts.Address, txs []contracts.Transaction, explanation string) (id contracts.AssertionID, err error) {
	ctx, done := r.telemetry.TrackOperation(ctx, "proposals.propose",
		attribute.String("account", r.account.Hex()),
		attribute.String("proposer", proposer.Hex()),
	)
	defer func() { done(err) }()

	if err := r.checkBreaker(); err != nil {
		return id, err
	}
	if r.gate != nil {
		if err := r.gate.AuthorizePropose(ctx, r.account, proposer); err != nil {
			return id, err
		}
	}
	if len(txs) == 0 {
		return id, contracts.ErrEmptyProposal
	}
	txs = contracts.CloneTransactions(txs)
	if err := r.validateTargets(ctx, txs); err != nil {
		return id, err
	}

	now := r.clock.Now()
	h := contracts.HashTransactions(txs)
	if r.admission != nil {
		err := r.admission.Admit(ctx, policy.Input{
			Account:      r.account,
			Proposer:     proposer,
			ProposalHash: h,
			Explanation:  explanation,
			Transactions: txs,
			Now:          now,
		})
		if err != nil {
			return id, err
		}
	}

	rules, err := r.rules(ctx)
	if err != nil {
		return id, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executing[h]; ok {
		return id, contracts.ErrDuplicateProposal
	}
	if _, err := r.store.GetByHash(ctx, r.account, h); err == nil {
		return id, contracts.ErrDuplicateProposal
	} else if !errors.Is(err, ErrNotFound) {
		return id, fmt.Errorf("proposal store: %w", err)
	}

	if r.throttle != nil {
		if err := r.throttle.Check(ctx, r.account, proposer); err != nil {
			return id, err
		}
	}

	proposal := contracts.Proposal{Transactions: txs, RequestTime: now}
	ref, err := r.archiveProposal(ctx, proposal)
	if err != nil {
		return id, err
	}

	s := r.settings
	bond, err := r.client.Bond(ctx, s.Collateral, s.Bond)
	if err != nil {
		return id, err
	}
	token, err := r.tokens.Token(s.Collateral)
	if err != nil {
		return id, fmt.Errorf("%w: %w", contracts.ErrUnsupportedCollateral, err)
	}
	esc := escrow.NewAdapter(r.module, token)
	if err := esc.TransferIn(ctx, proposer, bond); err != nil {
		return id, err
	}

	id, err = r.client.Assert(ctx, esc, oracle.AssertParams{
		ProposalHash:      h,
		Explanation:       explanation,
		Rules:             rules,
		Asserter:          proposer,
		CallbackRecipient: r.module,
		EscalationManager: s.EscalationManager,
		Liveness:          s.Liveness,
		Identifier:        s.Identifier,
		Bond:              bond,
	})
	if err != nil {
		r.refund(ctx, esc, proposer, bond)
		return contracts.AssertionID{}, err
	}

	entry := Entry{
		Account:             r.account,
		ProposalHash:        h,
		AssertionID:         id,
		Proposer:            proposer,
		Bond:                bond,
		CreatedAt:           now,
		ChallengeWindowEnds: now.Add(s.Liveness),
	}
	if err := r.store.Insert(ctx, entry); err != nil {
		// The oracle holds the bond now; the assertion can only be disputed
		// or settled from here.
		r.logger.ErrorContext(ctx, "asserted proposal could not be stored",
			"proposal_hash", h.Hex(), "assertion_id", id.Hex(), "error", err)
		return contracts.AssertionID{}, fmt.Errorf("proposal store: %w", err)
	}

	// Only the hash is stored; the event is how anyone else learns the
	// batch, so a proposal whose event is lost is withdrawn.
	_, err = r.events.Emit(ctx, events.TransactionsProposed, r.account, ProposedPayload{
		Proposer:            proposer,
		Account:             r.account,
		ProposalTime:        now,
		AssertionID:         id,
		Proposal:            proposal,
		ProposalHash:        h,
		Explanation:         explanation,
		Rules:               rules,
		Bond:                bond,
		ChallengeWindowEnds: entry.ChallengeWindowEnds,
	}, ref)
	if err != nil {
		if derr := r.store.Delete(ctx, r.account, h); derr != nil {
			r.logger.ErrorContext(ctx, "unrecorded proposal could not be withdrawn",
				"proposal_hash", h.Hex(), "assertion_id", id.Hex(), "error", derr)
		}
		r.logger.ErrorContext(ctx, "proposal event could not be committed",
			"proposal_hash", h.Hex(), "assertion_id", id.Hex(), "error", err)
		return contracts.AssertionID{}, fmt.Errorf("record proposal: %w", err)
	}
	r.telemetry.RecordTransition(ctx, "proposed", r.account)
	r.logger.InfoContext(ctx, "transactions proposed",
		"proposal_hash", h.Hex(),
		"assertion_id", id.Hex(),
		"proposer", proposer.Hex(),
		"bond", bond.Dec(),
		"challenge_window_ends", entry.ChallengeWindowEnds,
	)
	return id, nil
}

func (r *Registry) validateTargets(ctx context.Context, txs []contracts.Transaction) error {
	for i, tx := range txs {
		if tx.To == contracts.ZeroAddress {
			return &contracts.InvalidTargetError{Index: i, Target: tx.To, Reason: "zero address"}
		}
		if !tx.Operation.Valid() {
			return &contracts.InvalidTargetError{Index: i, Target: tx.To, Reason: "unknown operation"}
		}
		if len(tx.Data) == 0 {
			continue
		}
		ok, err := r.engine.Substrate().IsContract(ctx, tx.To)
		if err != nil {
			return fmt.Errorf("target lookup: %w", err)
		}
		if !ok {
			return &contracts.InvalidTargetError{Index: i, Target: tx.To, Reason: "call data sent to a non-contract"}
		}
	}
	return nil
}

func (r *Registry) rules(ctx context.Context) (string, error) {
	if r.gate != nil {
		return r.gate.Rules(ctx, r.account)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(r.settings.Rules) == "" {
		return "", contracts.ErrEmptyRules
	}
	return r.settings.Rules, nil
}

func (r *Registry) archiveProposal(ctx context.Context, p contracts.Proposal) (string, error) {
	if r.archive == nil {
		return "", nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode proposal: %w", err)
	}
	ref, err := r.archive.Put(ctx, body)
	if err != nil {
		return "", fmt.Errorf("archive proposal: %w", err)
	}
	return ref, nil
}

func (r *Registry) refund(ctx context.Context, esc *escrow.Adapter, to contracts.Address, amount *uint256.Int) {
	if err := esc.Release(ctx, to, amount); err != nil {
		r.logger.ErrorContext(ctx, "bond refund failed", "proposer", to.Hex(), "bond", amount.Dec(), "error", err)
	}
}
