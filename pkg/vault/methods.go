package vault

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/executor"
)

// Router method names, callable by an executed batch acting as the account.
const (
	MethodSetMode          = "vault.setMode"
	MethodSetController    = "vault.setController"
	MethodRevokeController = "vault.revokeController"
	MethodSetGuardian      = "vault.setGuardian"
	MethodSetProposer      = "vault.setProposer"
	MethodSetRules         = "vault.setRules"
)

// CallArgs is the argument object of every vault router method.
type CallArgs struct {
	Vault   contracts.Address `json:"vault"`
	Mode    *Mode             `json:"mode,omitempty"`
	Account contracts.Address `json:"account,omitempty"`
	Rules   string            `json:"rules,omitempty"`
}

// Register exposes the vault mutators on r.
func (m *Manager) Register(r *executor.Router) {
	bind := func(name string, fn func(ctx context.Context, caller contracts.Address, a CallArgs) error) {
		r.Register(name, func(ctx context.Context, caller contracts.Address, raw json.RawMessage) error {
			var a CallArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return fmt.Errorf("%s: decode args: %w", name, err)
			}
			return fn(ctx, caller, a)
		})
	}

	bind(MethodSetMode, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		if a.Mode == nil {
			return contracts.ErrInvalidMode
		}
		_, err := m.SetMode(ctx, caller, a.Vault, *a.Mode)
		return err
	})
	bind(MethodSetController, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		_, err := m.SetController(ctx, caller, a.Vault, a.Account)
		return err
	})
	bind(MethodRevokeController, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		_, err := m.RevokeController(ctx, caller, a.Vault, a.Account)
		return err
	})
	bind(MethodSetGuardian, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		_, err := m.SetGuardian(ctx, caller, a.Vault, a.Account)
		return err
	})
	bind(MethodSetProposer, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		_, err := m.SetProposer(ctx, caller, a.Vault, a.Account)
		return err
	})
	bind(MethodSetRules, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		_, err := m.SetRules(ctx, caller, a.Vault, a.Rules)
		return err
	})
}
