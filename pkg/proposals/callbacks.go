package proposals

import (
	"context"
	"errors"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/events"
)

// DeletedPayload is the body of ProposalDeleted.
type DeletedPayload struct {
	ProposalHash contracts.ProposalHash `json:"proposal_hash"`
	AssertionID  contracts.AssertionID  `json:"assertion_id"`
	Reason       string                 `json:"reason"`
}

// AssertionDisputed removes the proposal linked to id. Only the cached
// oracle may call it. A dispute that lands while Execute is settling the
// same assertion marks that execution, which then neither replays nor
// restores the entry.
func (r *Registry) AssertionDisputed(ctx context.Context, caller contracts.Address, id contracts.AssertionID) error {
	r.mu.Lock()
	if caller != r.client.Address() {
		r.mu.Unlock()
		return contracts.ErrNotOracle
	}
	entry, err := r.store.GetByAssertion(ctx, r.account, id)
	if errors.Is(err, ErrNotFound) {
		ex := r.executingAssertion(id)
		if ex == nil || ex.disputed {
			r.mu.Unlock()
			return contracts.ErrInvalidAssertion
		}
		ex.disputed = true
		r.mu.Unlock()

		r.deleted(ctx, ex.entry, ReasonDisputed)
		return nil
	}
	if err != nil {
		r.mu.Unlock()
		return translate(err, contracts.ErrInvalidAssertion)
	}
	if err := r.store.Delete(ctx, r.account, entry.ProposalHash); err != nil {
		r.mu.Unlock()
		return translate(err, contracts.ErrInvalidAssertion)
	}
	r.mu.Unlock()

	r.deleted(ctx, entry, ReasonDisputed)
	return nil
}

// AssertionResolved only counts the notification; execution reads the
// result itself.
func (r *Registry) AssertionResolved(ctx context.Context, caller contracts.Address, id contracts.AssertionID, truthful bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.client.Address() {
		return contracts.ErrNotOracle
	}
	r.resolved++
	r.logger.DebugContext(ctx, "assertion resolved", "assertion_id", id.Hex(), "truthful", truthful)
	return nil
}

// ReconcileAfterOracleMigration removes a proposal whose assertion the
// current oracle no longer knows, so the batch can be proposed again.
// Anyone may call it.
func (r *Registry) ReconcileAfterOracleMigration(ctx context.Context, h contracts.ProposalHash) error {
	if err := r.SyncOracle(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	entry, err := r.store.GetByHash(ctx, r.account, h)
	if err != nil {
		r.mu.Unlock()
		return translate(err, contracts.ErrUnknownProposal)
	}
	migrated, err := r.client.Migrated(ctx, entry.AssertionID)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !migrated {
		r.mu.Unlock()
		return contracts.ErrMigrationNotDetected
	}
	if err := r.store.Delete(ctx, r.account, h); err != nil {
		r.mu.Unlock()
		return translate(err, contracts.ErrUnknownProposal)
	}
	r.mu.Unlock()

	r.deleted(ctx, entry, ReasonOracleMigration)
	return nil
}

func (r *Registry) deleted(ctx context.Context, entry Entry, reason string) {
	r.events.Record(ctx, events.ProposalDeleted, r.account, DeletedPayload{
		ProposalHash: entry.ProposalHash,
		AssertionID:  entry.AssertionID,
		Reason:       reason,
	}, "")
	r.telemetry.RecordTransition(ctx, reason, r.account)
	r.logger.InfoContext(ctx, "proposal deleted",
		"proposal_hash", entry.ProposalHash.Hex(), "assertion_id", entry.AssertionID.Hex(), "reason", reason)
}
