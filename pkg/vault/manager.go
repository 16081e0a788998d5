package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oyaprotocol/contracts/pkg/clock"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/events"
)

// DefaultManualDelay is how long a request for Manual mode waits before it
// takes effect, giving in-flight proposer batches time to settle.
const DefaultManualDelay = 15 * time.Minute

// ErrLastController is returned when revoking would leave a vault without controllers.
var ErrLastController = &contracts.Error{
	Kind:    contracts.KindValidation,
	Code:    "LastController",
	Message: "a vault must keep at least one controller",
}

// Manager serialises all mutations of vault state.
type Manager struct {
	mu     sync.Mutex
	store  Store
	clock  clock.Clock
	delay  time.Duration
	events *events.Emitter
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithManualDelay overrides DefaultManualDelay.
func WithManualDelay(d time.Duration) Option { return func(m *Manager) { m.delay = d } }

func WithEvents(e *events.Emitter) Option { return func(m *Manager) { m.events = e } }

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l.With("component", "vault") }
}

// NewManager creates a Manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		clock:  clock.Wall{},
		delay:  DefaultManualDelay,
		logger: slog.Default().With("component", "vault"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ManualDelay returns the configured Manual-mode delay.
func (m *Manager) ManualDelay() time.Duration { return m.delay }

type createdPayload struct {
	Controller contracts.Address `json:"controller"`
	Rules      string            `json:"rules"`
}

// CreateVault registers account id with an initial controller and rules.
func (m *Manager) CreateVault(ctx context.Context, id, controller contracts.Address, rules string) (*Vault, error) {
	if id == contracts.ZeroAddress || controller == contracts.ZeroAddress {
		return nil, contracts.ErrInvalidAddress
	}
	if strings.TrimSpace(rules) == "" {
		return nil, contracts.ErrEmptyRules
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	v := &Vault{
		ID:          id,
		Rules:       rules,
		Mode:        ModeAutomatic,
		Controllers: []contracts.Address{controller},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.Create(ctx, v); err != nil {
		if errors.Is(err, ErrExists) {
			return nil, contracts.ErrVaultExists
		}
		return nil, fmt.Errorf("create vault: %w", err)
	}
	m.logger.Info("vault created", "vault", id.Hex(), "controller", controller.Hex())
	m.events.Record(ctx, events.VaultCreated, id, createdPayload{Controller: controller, Rules: rules}, "")
	return v.Clone(), nil
}

// Get returns a vault. Reads are never restricted.
func (m *Manager) Get(ctx context.Context, id contracts.Address) (*Vault, error) {
	v, err := m.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, contracts.ErrUnknownVault
	}
	if err != nil {
		return nil, fmt.Errorf("get vault: %w", err)
	}
	return v, nil
}

// List returns every vault.
func (m *Manager) List(ctx context.Context) ([]*Vault, error) {
	return m.store.List(ctx)
}

// CurrentMode returns the mode in effect now.
func (m *Manager) CurrentMode(ctx context.Context, id contracts.Address) (Mode, error) {
	v, err := m.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return v.CurrentMode(m.clock.Now()), nil
}

// mutate loads the vault, folds in any effective pending mode, applies fn
// and saves the result. fn returning errNoChange skips the save.
func (m *Manager) mutate(ctx context.Context, id contracts.Address, fn func(v *Vault, now time.Time) error) (*Vault, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	v.settle(now)
	if err := fn(v, now); err != nil {
		if errors.Is(err, errNoChange) {
			return v, nil
		}
		return nil, err
	}
	v.UpdatedAt = now
	if err := m.store.Update(ctx, v); err != nil {
		return nil, fmt.Errorf("update vault: %w", err)
	}
	return v.Clone(), nil
}

var errNoChange = errors.New("no change")

type modePayload struct {
	Caller      contracts.Address `json:"caller"`
	Mode        Mode              `json:"mode"`
	EffectiveAt time.Time         `json:"effective_at"`
}

// SetMode requests a mode transition.
//
// Manual needs self or a controller, is refused while Frozen and only takes
// effect after the manual delay; asking again while a request is pending
// keeps the original deadline. Automatic needs a guardian when leaving Frozen,
// otherwise self or a controller, and clears any pending request. Frozen needs
// a guardian and is immediate.
func (m *Manager) SetMode(ctx context.Context, caller, id contracts.Address, target Mode) (*Vault, error) {
	var (
		typ     events.Type
		payload modePayload
	)
	v, err := m.mutate(ctx, id, func(v *Vault, now time.Time) error {
		switch target {
		case ModeManual:
			if v.Mode == ModeFrozen {
				return contracts.ErrAccountFrozen
			}
			if !v.IsSelfOrController(caller) {
				return contracts.ErrNotController
			}
			// A repeated request keeps the first deadline instead of pushing it out.
			if v.Mode == ModeManual || v.Pending != nil {
				return errNoChange
			}
			v.Pending = &PendingMode{Target: ModeManual, EffectiveAt: now.Add(m.delay)}
			typ, payload = events.VaultModeRequested, modePayload{Caller: caller, Mode: ModeManual, EffectiveAt: v.Pending.EffectiveAt}
		case ModeAutomatic:
			if v.Mode == ModeFrozen {
				if !v.IsGuardian(caller) {
					return contracts.ErrNotGuardian
				}
			} else if !v.IsSelfOrController(caller) {
				return contracts.ErrNotController
			}
			if v.Mode == ModeAutomatic && v.Pending == nil {
				return errNoChange
			}
			v.Mode, v.Pending = ModeAutomatic, nil
			typ, payload = events.VaultModeChanged, modePayload{Caller: caller, Mode: ModeAutomatic, EffectiveAt: now}
		case ModeFrozen:
			if !v.IsGuardian(caller) {
				return contracts.ErrNotGuardian
			}
			if v.Mode == ModeFrozen {
				return errNoChange
			}
			v.Mode, v.Pending = ModeFrozen, nil
			typ, payload = events.VaultModeChanged, modePayload{Caller: caller, Mode: ModeFrozen, EffectiveAt: now}
		default:
			return contracts.ErrInvalidMode
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if typ != "" {
		m.logger.Info("vault mode", "vault", id.Hex(), "event", typ, "mode", payload.Mode, "effective_at", payload.EffectiveAt)
		m.events.Record(ctx, typ, id, payload, "")
	}
	return v, nil
}

// adminCheck enforces the common rule for role and rules mutators: rejected
// while Frozen, then caller must be self or a controller.
func adminCheck(v *Vault, caller contracts.Address) error {
	if v.Mode == ModeFrozen {
		return contracts.ErrAccountFrozen
	}
	if !v.IsSelfOrController(caller) {
		return contracts.ErrNotController
	}
	return nil
}

type rolePayload struct {
	Caller  contracts.Address `json:"caller"`
	Account contracts.Address `json:"account"`
}

// SetController appoints an additional controller.
func (m *Manager) SetController(ctx context.Context, caller, id, controller contracts.Address) (*Vault, error) {
	if controller == contracts.ZeroAddress {
		return nil, contracts.ErrInvalidAddress
	}
	v, err := m.mutate(ctx, id, func(v *Vault, _ time.Time) error {
		if err := adminCheck(v, caller); err != nil {
			return err
		}
		v.Controllers = addSorted(v.Controllers, controller)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.events.Record(ctx, events.ControllerSet, id, rolePayload{Caller: caller, Account: controller}, "")
	return v, nil
}

// RevokeController removes a controller. The last one cannot be removed.
func (m *Manager) RevokeController(ctx context.Context, caller, id, controller contracts.Address) (*Vault, error) {
	v, err := m.mutate(ctx, id, func(v *Vault, _ time.Time) error {
		if err := adminCheck(v, caller); err != nil {
			return err
		}
		if !v.IsController(controller) {
			return errNoChange
		}
		if len(v.Controllers) == 1 {
			return ErrLastController
		}
		v.Controllers = remove(v.Controllers, controller)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.events.Record(ctx, events.ControllerRevoked, id, rolePayload{Caller: caller, Account: controller}, "")
	return v, nil
}

// SetGuardian appoints a guardian.
func (m *Manager) SetGuardian(ctx context.Context, caller, id, guardian contracts.Address) (*Vault, error) {
	if guardian == contracts.ZeroAddress {
		return nil, contracts.ErrInvalidAddress
	}
	v, err := m.mutate(ctx, id, func(v *Vault, _ time.Time) error {
		if err := adminCheck(v, caller); err != nil {
			return err
		}
		v.Guardians = addSorted(v.Guardians, guardian)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.events.Record(ctx, events.GuardianSet, id, rolePayload{Caller: caller, Account: guardian}, "")
	return v, nil
}

// SetProposer assigns the proposer. The zero address clears it.
func (m *Manager) SetProposer(ctx context.Context, caller, id, proposer contracts.Address) (*Vault, error) {
	v, err := m.mutate(ctx, id, func(v *Vault, _ time.Time) error {
		if err := adminCheck(v, caller); err != nil {
			return err
		}
		v.Proposer = proposer
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.events.Record(ctx, events.ProposerSet, id, rolePayload{Caller: caller, Account: proposer}, "")
	return v, nil
}

type rulesPayload struct {
	Caller contracts.Address `json:"caller"`
	Rules  string            `json:"rules"`
}

// SetRules replaces the account rules. Rules can never be emptied.
func (m *Manager) SetRules(ctx context.Context, caller, id contracts.Address, rules string) (*Vault, error) {
	v, err := m.mutate(ctx, id, func(v *Vault, _ time.Time) error {
		if err := adminCheck(v, caller); err != nil {
			return err
		}
		if strings.TrimSpace(rules) == "" {
			return contracts.ErrEmptyRules
		}
		v.Rules = rules
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.events.Record(ctx, events.RulesSet, id, rulesPayload{Caller: caller, Rules: rules}, "")
	return v, nil
}
