package proposals

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/events"
	"github.com/oyaprotocol/contracts/pkg/oracle"
)

// ExecutedPayload is the body of TransactionExecuted and ProposalExecuted.
type ExecutedPayload struct {
	ProposalHash contracts.ProposalHash `json:"proposal_hash"`
	AssertionID  contracts.AssertionID  `json:"assertion_id"`
	Index        *int                   `json:"index,omitempty"`
}

// Execute settles the claim for txs and replays the batch as the account.
//
// The entry is removed before the oracle is called, so a reentrant Execute of
// the same batch sees ErrUnknownProposal and a reentrant Propose sees
// ErrDuplicateProposal until the replay ends. While settlement is in flight
// the assertion can still be disputed; a disputed entry is never restored.
// If settlement fails the entry is put back. If the claim resolved false or a
// transaction fails the entry stays removed and the batch must be proposed
// again.
func (r *Registry) Execute(ctx context.Context, caller contracts.Address, txs []contracts.Transaction) (err error) {
	h := contracts.HashTransactions(txs)
	ctx, done := r.telemetry.TrackOperation(ctx, "proposals.execute",
		attribute.String("account", r.account.Hex()),
		attribute.String("proposal_hash", h.Hex()),
	)
	defer func() { done(err) }()

	if err := r.checkBreaker(); err != nil {
		return err
	}
	if r.gate != nil {
		if err := r.gate.AuthorizeExecute(ctx, r.account); err != nil {
			return err
		}
	}

	entry, client, err := r.beginExecution(ctx, h)
	if err != nil {
		return err
	}

	ok, err := client.SettleAndGetResult(ctx, entry.AssertionID)
	switch {
	case err != nil:
		if r.abortExecution(ctx, h, true) {
			return fmt.Errorf("%w: %w", contracts.ErrUnknownProposal, err)
		}
		return fmt.Errorf("%w: %w", contracts.ErrSettlementFailed, err)
	case !ok:
		if !r.abortExecution(ctx, h, false) {
			r.deleted(ctx, entry, ReasonRejected)
		}
		return contracts.ErrProposalRejected
	case r.disputedInFlight(h):
		r.endExecution(h)
		return contracts.ErrUnknownProposal
	}

	txs = contracts.CloneTransactions(txs)
	replayErr := r.engine.Replay(ctx, r.account, txs, func(i int) error {
		idx := i
		r.events.Record(ctx, events.TransactionExecuted, r.account, ExecutedPayload{
			ProposalHash: h,
			AssertionID:  entry.AssertionID,
			Index:        &idx,
		}, "")
		return nil
	})
	r.endExecution(h)
	if replayErr != nil {
		r.logger.WarnContext(ctx, "batch replay failed",
			"proposal_hash", h.Hex(), "caller", caller.Hex(), "error", replayErr)
		return replayErr
	}

	r.events.Record(ctx, events.ProposalExecuted, r.account, ExecutedPayload{
		ProposalHash: h,
		AssertionID:  entry.AssertionID,
	}, "")
	r.telemetry.RecordTransition(ctx, "executed", r.account)
	r.logger.InfoContext(ctx, "proposal executed",
		"proposal_hash", h.Hex(), "assertion_id", entry.AssertionID.Hex(), "caller", caller.Hex())
	return nil
}

// execution is a proposal whose entry was taken out of the store by Execute.
type execution struct {
	entry    Entry
	disputed bool
}

func (r *Registry) beginExecution(ctx context.Context, h contracts.ProposalHash) (Entry, *oracle.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, err := r.store.GetByHash(ctx, r.account, h)
	if err != nil {
		return Entry{}, nil, translate(err, contracts.ErrUnknownProposal)
	}
	if r.replaying {
		return Entry{}, nil, contracts.ErrExecutionInProgress
	}
	if err := r.store.Delete(ctx, r.account, h); err != nil {
		return Entry{}, nil, translate(err, contracts.ErrUnknownProposal)
	}
	r.executing[h] = &execution{entry: entry}
	r.replaying = true
	return entry, r.client, nil
}

// executingAssertion returns the in-flight execution settling id. Callers
// hold r.mu.
func (r *Registry) executingAssertion(id contracts.AssertionID) *execution {
	for _, ex := range r.executing {
		if ex.entry.AssertionID == id {
			return ex
		}
	}
	return nil
}

// abortExecution ends a failed settlement. The entry is put back when
// restore is set and no dispute arrived meanwhile. It reports whether the
// assertion was disputed.
func (r *Registry) abortExecution(ctx context.Context, h contracts.ProposalHash, restore bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex := r.executing[h]
	delete(r.executing, h)
	r.replaying = false
	if ex == nil || ex.disputed {
		return true
	}
	if !restore {
		return false
	}
	if err := r.store.Insert(ctx, ex.entry); err != nil {
		r.logger.ErrorContext(ctx, "pending entry could not be restored",
			"proposal_hash", h.Hex(), "assertion_id", ex.entry.AssertionID.Hex(), "error", err)
	}
	return false
}

func (r *Registry) disputedInFlight(h contracts.ProposalHash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex := r.executing[h]
	return ex != nil && ex.disputed
}

func (r *Registry) endExecution(h contracts.ProposalHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.executing, h)
	r.replaying = false
}
