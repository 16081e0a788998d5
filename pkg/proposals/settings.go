package proposals

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/events"
	"github.com/oyaprotocol/contracts/pkg/executor"
	"github.com/oyaprotocol/contracts/pkg/oracle"
)

type collateralPayload struct {
	Collateral contracts.Address `json:"collateral"`
	Bond       *uint256.Int      `json:"bond"`
}

type rulesPayload struct {
	Rules string `json:"rules"`
}

type livenessPayload struct {
	LivenessSeconds int64 `json:"liveness_seconds"`
}

type identifierPayload struct {
	Identifier string `json:"identifier"`
}

type escalationPayload struct {
	EscalationManager contracts.Address `json:"escalation_manager"`
}

type oraclePayload struct {
	Previous contracts.Address `json:"previous"`
	Next     contracts.Address `json:"next"`
	Version  string            `json:"version"`
}

func (r *Registry) onlyOwner(caller contracts.Address) error {
	if caller != r.account {
		return contracts.ErrNotOwner
	}
	return nil
}

// SetCollateralAndBond changes the bond currency and the configured bond.
// Pending proposals keep the bond they were asserted with.
func (r *Registry) SetCollateralAndBond(ctx context.Context, caller, collateral contracts.Address, bond *uint256.Int) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if err := r.validateCollateral(ctx, collateral); err != nil {
		return err
	}
	if bond == nil {
		bond = new(uint256.Int)
	}
	r.mu.Lock()
	r.settings.Collateral = collateral
	r.settings.Bond = new(uint256.Int).Set(bond)
	r.mu.Unlock()

	r.events.Record(ctx, events.SetCollateralAndBond, r.account, collateralPayload{Collateral: collateral, Bond: bond}, "")
	return nil
}

// SetRules changes the rules quoted in new claims.
func (r *Registry) SetRules(ctx context.Context, caller contracts.Address, rules string) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if strings.TrimSpace(rules) == "" {
		return contracts.ErrEmptyRules
	}
	r.mu.Lock()
	r.settings.Rules = rules
	r.mu.Unlock()

	r.events.Record(ctx, events.SetRules, r.account, rulesPayload{Rules: rules}, "")
	return nil
}

// SetLiveness changes the challenge window for new proposals.
func (r *Registry) SetLiveness(ctx context.Context, caller contracts.Address, liveness time.Duration) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if err := validateLiveness(liveness); err != nil {
		return err
	}
	r.mu.Lock()
	r.settings.Liveness = liveness
	r.mu.Unlock()

	r.events.Record(ctx, events.SetLiveness, r.account, livenessPayload{LivenessSeconds: int64(liveness / time.Second)}, "")
	return nil
}

// SetIdentifier changes the identifier new claims are resolved under.
func (r *Registry) SetIdentifier(ctx context.Context, caller contracts.Address, id oracle.Identifier) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if err := r.validateIdentifier(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	r.settings.Identifier = id
	r.mu.Unlock()

	r.events.Record(ctx, events.SetIdentifier, r.account, identifierPayload{Identifier: oracle.IdentifierString(id)}, "")
	return nil
}

// SetEscalationManager sets the escalation manager; the zero address
// removes it.
func (r *Registry) SetEscalationManager(ctx context.Context, caller, manager contracts.Address) error {
	if err := r.onlyOwner(caller); err != nil {
		return err
	}
	if err := r.validateEscalationManager(ctx, manager); err != nil {
		return err
	}
	r.mu.Lock()
	r.settings.EscalationManager = manager
	r.mu.Unlock()

	r.events.Record(ctx, events.SetEscalationManager, r.account, escalationPayload{EscalationManager: manager}, "")
	return nil
}

// SyncOracle points the registry at the oracle currently published by the
// finder. Claims asserted against the previous oracle can then be removed
// with ReconcileAfterOracleMigration.
func (r *Registry) SyncOracle(ctx context.Context) error {
	o, v, err := r.finder.Current()
	if err != nil {
		return err
	}
	r.mu.Lock()
	previous := r.client.Address()
	if previous == o.Address() {
		r.mu.Unlock()
		return nil
	}
	r.client = oracle.NewClient(o, oracle.WithClientLogger(r.logger))
	r.version = v.String()
	r.mu.Unlock()

	r.events.Record(ctx, events.OracleChanged, r.account, oraclePayload{
		Previous: previous,
		Next:     o.Address(),
		Version:  v.String(),
	}, "")
	r.logger.InfoContext(ctx, "oracle changed", "previous", previous.Hex(), "next", o.Address().Hex(), "version", v.String())
	return nil
}

// Router method names, callable by an executed batch targeting the module.
const (
	MethodSetCollateralAndBond = "registry.setCollateralAndBond"
	MethodSetRules             = "registry.setRules"
	MethodSetLiveness          = "registry.setLiveness"
	MethodSetIdentifier        = "registry.setIdentifier"
	MethodSetEscalationManager = "registry.setEscalationManager"
	MethodSyncOracle           = "registry.syncOracle"
)

// CallArgs is the argument object of every registry router method.
type CallArgs struct {
	Collateral        contracts.Address `json:"collateral,omitempty"`
	Bond              *uint256.Int      `json:"bond,omitempty"`
	Rules             string            `json:"rules,omitempty"`
	LivenessSeconds   int64             `json:"liveness_seconds,omitempty"`
	Identifier        string            `json:"identifier,omitempty"`
	EscalationManager contracts.Address `json:"escalation_manager,omitempty"`
}

// Register exposes the owner setters on router.
func (r *Registry) Register(router *executor.Router) {
	bind := func(name string, fn func(ctx context.Context, caller contracts.Address, a CallArgs) error) {
		router.Register(name, func(ctx context.Context, caller contracts.Address, raw json.RawMessage) error {
			var a CallArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &a); err != nil {
					return fmt.Errorf("%s: decode args: %w", name, err)
				}
			}
			return fn(ctx, caller, a)
		})
	}

	bind(MethodSetCollateralAndBond, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		return r.SetCollateralAndBond(ctx, caller, a.Collateral, a.Bond)
	})
	bind(MethodSetRules, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		return r.SetRules(ctx, caller, a.Rules)
	})
	bind(MethodSetLiveness, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		return r.SetLiveness(ctx, caller, time.Duration(a.LivenessSeconds)*time.Second)
	})
	bind(MethodSetIdentifier, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		return r.SetIdentifier(ctx, caller, oracle.IdentifierFromString(a.Identifier))
	})
	bind(MethodSetEscalationManager, func(ctx context.Context, caller contracts.Address, a CallArgs) error {
		return r.SetEscalationManager(ctx, caller, a.EscalationManager)
	})
	bind(MethodSyncOracle, func(ctx context.Context, _ contracts.Address, _ CallArgs) error {
		return r.SyncOracle(ctx)
	})
}
