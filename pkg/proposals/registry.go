// Package proposals implements the optimistic proposal registry: a bonded
// claim is asserted for every submitted batch, disputes delete the claim,
// and batches whose claims settle true are replayed exactly once.
package proposals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/archive"
	"github.com/oyaprotocol/contracts/pkg/clock"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/escrow"
	"github.com/oyaprotocol/contracts/pkg/events"
	"github.com/oyaprotocol/contracts/pkg/executor"
	"github.com/oyaprotocol/contracts/pkg/observability"
	"github.com/oyaprotocol/contracts/pkg/oracle"
	"github.com/oyaprotocol/contracts/pkg/policy"
)

// MaxLiveness bounds the challenge window.
const MaxLiveness = 5200 * 7 * 24 * time.Hour

// Deletion reasons carried by ProposalDeleted.
const (
	ReasonDisputed        = "disputed"
	ReasonRejected        = "rejected"
	ReasonOracleMigration = "oracle_migration"
)

// Gate is the account access-control layer consulted before propose and
// execute.
type Gate interface {
	AuthorizePropose(ctx context.Context, account, proposer contracts.Address) error
	AuthorizeExecute(ctx context.Context, account contracts.Address) error
	Rules(ctx context.Context, account contracts.Address) (string, error)
}

// Breaker reports whether the protocol is frozen.
type Breaker interface {
	Check() error
}

// Admission decides whether a proposal may be bonded at all.
type Admission interface {
	Admit(ctx context.Context, in policy.Input) error
}

// Throttle limits how often a proposer may submit.
type Throttle interface {
	Check(ctx context.Context, account, proposer contracts.Address) error
}

// Settings are the owner-controlled registry parameters.
type Settings struct {
	Collateral        contracts.Address `json:"collateral"`
	Bond              *uint256.Int      `json:"bond"`
	Rules             string            `json:"rules"`
	Identifier        oracle.Identifier `json:"identifier"`
	Liveness          time.Duration     `json:"liveness"`
	EscalationManager contracts.Address `json:"escalation_manager"`
}

func (s Settings) clone() Settings {
	if s.Bond != nil {
		s.Bond = new(uint256.Int).Set(s.Bond)
	}
	return s
}

// Config identifies the governed account and the registry's own address.
type Config struct {
	// Account is the governed account and the registry owner.
	Account contracts.Address
	// Module holds escrowed bonds and receives oracle callbacks.
	Module   contracts.Address
	Settings Settings
}

// Deps are the collaborators every registry needs.
type Deps struct {
	Store       Store
	Tokens      escrow.Resolver
	Collateral  escrow.CollateralWhitelist
	Identifiers oracle.IdentifierWhitelist
	Finder      *oracle.Finder
	Engine      *executor.Engine
}

// Registry governs the proposals of one account.
type Registry struct {
	mu sync.Mutex

	account  contracts.Address
	module   contracts.Address
	settings Settings
	client   *oracle.Client
	version  string

	executing map[contracts.ProposalHash]*execution
	replaying bool
	resolved  uint64

	store       Store
	tokens      escrow.Resolver
	collateral  escrow.CollateralWhitelist
	identifiers oracle.IdentifierWhitelist
	finder      *oracle.Finder
	engine      *executor.Engine

	gate      Gate
	breaker   Breaker
	admission Admission
	throttle  Throttle
	archive   archive.Store
	events    *events.Emitter
	telemetry *observability.Provider
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

func WithClock(c clock.Clock) Option { return func(r *Registry) { r.clock = c } }

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l.With("component", "proposals") }
}

// WithGate attaches the vault access-control layer. Claims then quote the
// vault's rules instead of the registry setting.
func WithGate(g Gate) Option { return func(r *Registry) { r.gate = g } }

func WithBreaker(b Breaker) Option { return func(r *Registry) { r.breaker = b } }

func WithAdmission(a Admission) Option { return func(r *Registry) { r.admission = a } }

func WithThrottle(t Throttle) Option { return func(r *Registry) { r.throttle = t } }

// WithArchive stores every proposal body and references it from the
// TransactionsProposed event.
func WithArchive(s archive.Store) Option { return func(r *Registry) { r.archive = s } }

func WithEvents(e *events.Emitter) Option { return func(r *Registry) { r.events = e } }

func WithTelemetry(p *observability.Provider) Option { return func(r *Registry) { r.telemetry = p } }

// New validates cfg against the whitelists and binds the registry to the
// oracle currently published by the finder.
func New(ctx context.Context, cfg Config, deps Deps, opts ...Option) (*Registry, error) {
	if cfg.Account == contracts.ZeroAddress || cfg.Module == contracts.ZeroAddress {
		return nil, contracts.ErrInvalidAddress
	}
	if deps.Store == nil || deps.Tokens == nil || deps.Collateral == nil ||
		deps.Identifiers == nil || deps.Finder == nil || deps.Engine == nil {
		return nil, fmt.Errorf("proposals: incomplete dependencies")
	}
	r := &Registry{
		account:     cfg.Account,
		module:      cfg.Module,
		executing:   make(map[contracts.ProposalHash]*execution),
		store:       deps.Store,
		tokens:      deps.Tokens,
		collateral:  deps.Collateral,
		identifiers: deps.Identifiers,
		finder:      deps.Finder,
		engine:      deps.Engine,
		clock:       clock.Wall{},
		logger:      slog.Default().With("component", "proposals"),
	}
	for _, opt := range opts {
		opt(r)
	}

	o, v, err := r.finder.Current()
	if err != nil {
		return nil, err
	}
	r.client = oracle.NewClient(o, oracle.WithClientLogger(r.logger))
	r.version = v.String()

	s := cfg.Settings.clone()
	if s.Bond == nil {
		s.Bond = new(uint256.Int)
	}
	if s.Identifier == (oracle.Identifier{}) {
		s.Identifier = o.DefaultIdentifier()
	}
	if err := r.validateCollateral(ctx, s.Collateral); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.Rules) == "" && r.gate == nil {
		return nil, contracts.ErrEmptyRules
	}
	if err := validateLiveness(s.Liveness); err != nil {
		return nil, err
	}
	if err := r.validateIdentifier(ctx, s.Identifier); err != nil {
		return nil, err
	}
	if err := r.validateEscalationManager(ctx, s.EscalationManager); err != nil {
		return nil, err
	}
	r.settings = s

	r.logger.Info("registry ready",
		"account", r.account.Hex(),
		"module", r.module.Hex(),
		"oracle", o.Address().Hex(),
		"oracle_version", r.version,
	)
	return r, nil
}

// Account returns the governed account.
func (r *Registry) Account() contracts.Address { return r.account }

// Module returns the registry address.
func (r *Registry) Module() contracts.Address { return r.module }

// Oracle returns the cached oracle address.
func (r *Registry) Oracle() contracts.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client.Address()
}

// Settings returns a copy of the current settings.
func (r *Registry) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings.clone()
}

// Resolved counts AssertionResolved notifications accepted from the oracle.
func (r *Registry) Resolved() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Lookup returns the pending entry for h.
func (r *Registry) Lookup(ctx context.Context, h contracts.ProposalHash) (Entry, error) {
	e, err := r.store.GetByHash(ctx, r.account, h)
	if err != nil {
		return Entry{}, translate(err, contracts.ErrUnknownProposal)
	}
	return e, nil
}

// LookupAssertion returns the pending entry linked to id.
func (r *Registry) LookupAssertion(ctx context.Context, id contracts.AssertionID) (Entry, error) {
	e, err := r.store.GetByAssertion(ctx, r.account, id)
	if err != nil {
		return Entry{}, translate(err, contracts.ErrInvalidAssertion)
	}
	return e, nil
}

// Pending lists every pending entry, oldest first.
func (r *Registry) Pending(ctx context.Context) ([]Entry, error) {
	return r.store.List(ctx, r.account)
}

func translate(err, notFound error) error {
	if errors.Is(err, ErrNotFound) {
		return notFound
	}
	return fmt.Errorf("proposal store: %w", err)
}

func (r *Registry) checkBreaker() error {
	if r.breaker == nil {
		return nil
	}
	return r.breaker.Check()
}

func validateLiveness(d time.Duration) error {
	if d <= 0 || d >= MaxLiveness {
		return fmt.Errorf("%w: %s", contracts.ErrInvalidLiveness, d)
	}
	return nil
}

func (r *Registry) validateCollateral(ctx context.Context, token contracts.Address) error {
	ok, err := r.collateral.IsWhitelisted(ctx, token)
	if err != nil {
		return fmt.Errorf("collateral whitelist: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnsupportedCollateral, token.Hex())
	}
	if _, err := r.tokens.Token(token); err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrUnsupportedCollateral, err)
	}
	return nil
}

func (r *Registry) validateIdentifier(ctx context.Context, id oracle.Identifier) error {
	ok, err := r.identifiers.IsSupported(ctx, id)
	if err != nil {
		return fmt.Errorf("identifier whitelist: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %q", contracts.ErrUnsupportedIdentifier, oracle.IdentifierString(id))
	}
	return nil
}

func (r *Registry) validateEscalationManager(ctx context.Context, addr contracts.Address) error {
	if addr == contracts.ZeroAddress {
		return nil
	}
	ok, err := r.engine.Substrate().IsContract(ctx, addr)
	if err != nil {
		return fmt.Errorf("escalation manager lookup: %w", err)
	}
	if !ok {
		return &contracts.InvalidTargetError{Index: -1, Target: addr, Reason: "escalation manager is not a contract"}
	}
	return nil
}
