package vault

import (
	"context"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// AuthorizePropose decides whether proposer may submit a batch for account.
//
// Frozen accounts accept nothing. In Automatic mode the assigned proposer,
// a controller or the account itself may submit; the zero address never
// may, even when no proposer is assigned. Once Manual is in effect
// only controllers and the account itself may; a Manual request still
// waiting out its delay does not restrict anyone yet.
func (m *Manager) AuthorizePropose(ctx context.Context, account, proposer contracts.Address) error {
	v, err := m.Get(ctx, account)
	if err != nil {
		return err
	}
	switch v.CurrentMode(m.clock.Now()) {
	case ModeFrozen:
		return contracts.ErrAccountFrozen
	case ModeManual:
		if !v.IsSelfOrController(proposer) {
			return contracts.ErrNotController
		}
	default:
		if proposer == contracts.ZeroAddress {
			return contracts.ErrNotProposer
		}
		if proposer != v.Proposer && !v.IsSelfOrController(proposer) {
			return contracts.ErrNotProposer
		}
	}
	return nil
}

// AuthorizeExecute decides whether an approved batch may run for account.
// Only Frozen blocks execution; batches proposed before Manual took effect
// still execute.
func (m *Manager) AuthorizeExecute(ctx context.Context, account contracts.Address) error {
	v, err := m.Get(ctx, account)
	if err != nil {
		return err
	}
	if v.CurrentMode(m.clock.Now()) == ModeFrozen {
		return contracts.ErrAccountFrozen
	}
	return nil
}

// Rules returns the account rules quoted in every claim.
func (m *Manager) Rules(ctx context.Context, account contracts.Address) (string, error) {
	v, err := m.Get(ctx, account)
	if err != nil {
		return "", err
	}
	return v.Rules, nil
}
