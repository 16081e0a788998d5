package oracle

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/oyaprotocol/contracts/pkg/clock"
	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/escrow"
)

var (
	ErrUnknownAssertion = errors.New("unknown assertion")
	ErrNotExpired       = errors.New("assertion liveness has not elapsed")
	ErrExpired          = errors.New("assertion liveness has elapsed")
	ErrAlreadyDisputed  = errors.New("assertion already disputed")
	ErrAlreadySettled   = errors.New("assertion already settled")
	ErrNotDisputed      = errors.New("assertion is not disputed")
	ErrUnresolved       = errors.New("dispute has not been resolved")
	ErrBondTooLow       = errors.New("bond below minimum")
	ErrInvalidAsserter  = errors.New("asserter must not be zero")
)

type assertionRecord struct {
	Assertion
	disputed   bool
	resolved   bool
	resolution bool
}

// Simulated is an in-process optimistic oracle. Assertions are true unless
// disputed within liveness; disputes are decided by Resolve, standing in for
// the oracle's arbitration layer. Bonds move through real escrow tokens and
// callback recipients are notified on dispute and settlement.
type Simulated struct {
	mu sync.Mutex

	addr              contracts.Address
	tokens            escrow.Resolver
	clock             clock.Clock
	logger            *slog.Logger
	collateral        escrow.CollateralWhitelist
	identifiers       IdentifierWhitelist
	defaultIdentifier Identifier
	defaultMinimum    *uint256.Int
	minimumBonds      map[contracts.Address]*uint256.Int

	callbacks  map[contracts.Address]Callbacks
	assertions map[contracts.AssertionID]*assertionRecord
	nonce      uint64
}

// SimulatedOption configures a Simulated oracle.
type SimulatedOption func(*Simulated)

// WithClock sets the time source.
func WithClock(c clock.Clock) SimulatedOption {
	return func(s *Simulated) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SimulatedOption {
	return func(s *Simulated) { s.logger = l }
}

// WithCollateralWhitelist restricts bond currencies.
func WithCollateralWhitelist(w escrow.CollateralWhitelist) SimulatedOption {
	return func(s *Simulated) { s.collateral = w }
}

// WithIdentifierWhitelist restricts identifiers.
func WithIdentifierWhitelist(w IdentifierWhitelist) SimulatedOption {
	return func(s *Simulated) { s.identifiers = w }
}

// WithMinimumBond sets the minimum bond for one currency.
func WithMinimumBond(currency contracts.Address, amount *uint256.Int) SimulatedOption {
	return func(s *Simulated) { s.minimumBonds[currency] = new(uint256.Int).Set(amount) }
}

// WithDefaultMinimumBond sets the minimum bond for currencies without their own.
func WithDefaultMinimumBond(amount *uint256.Int) SimulatedOption {
	return func(s *Simulated) { s.defaultMinimum = new(uint256.Int).Set(amount) }
}

// NewSimulated creates a simulated oracle at addr settling bonds through tokens.
func NewSimulated(addr contracts.Address, tokens escrow.Resolver, opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		addr:              addr,
		tokens:            tokens,
		clock:             clock.Wall{},
		logger:            slog.Default().With("component", "oracle"),
		defaultIdentifier: IdentifierFromString(DefaultIdentifierName),
		defaultMinimum:    uint256.NewInt(0),
		minimumBonds:      make(map[contracts.Address]*uint256.Int),
		callbacks:         make(map[contracts.Address]Callbacks),
		assertions:        make(map[contracts.AssertionID]*assertionRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterCallbacks routes notifications for assertions whose callback
// recipient is addr.
func (s *Simulated) RegisterCallbacks(addr contracts.Address, cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[addr] = cb
}

// Address implements Oracle.
func (s *Simulated) Address() contracts.Address { return s.addr }

// DefaultIdentifier implements Oracle.
func (s *Simulated) DefaultIdentifier() Identifier { return s.defaultIdentifier }

// MinimumBond implements Oracle.
func (s *Simulated) MinimumBond(_ context.Context, currency contracts.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.minimumBond(currency)), nil
}

func (s *Simulated) minimumBond(currency contracts.Address) *uint256.Int {
	if m, ok := s.minimumBonds[currency]; ok {
		return m
	}
	return s.defaultMinimum
}

// AssertTruth implements Oracle. The bond is pulled from req.Sender, which
// must have approved the oracle.
func (s *Simulated) AssertTruth(ctx context.Context, req AssertionRequest) (contracts.AssertionID, error) {
	if req.Asserter == contracts.ZeroAddress {
		return contracts.AssertionID{}, ErrInvalidAsserter
	}
	if s.identifiers != nil {
		ok, err := s.identifiers.IsSupported(ctx, req.Identifier)
		if err != nil {
			return contracts.AssertionID{}, err
		}
		if !ok {
			return contracts.AssertionID{}, contracts.ErrUnsupportedIdentifier
		}
	}
	if s.collateral != nil {
		ok, err := s.collateral.IsWhitelisted(ctx, req.Currency)
		if err != nil {
			return contracts.AssertionID{}, err
		}
		if !ok {
			return contracts.AssertionID{}, contracts.ErrUnsupportedCollateral
		}
	}
	bond := req.Bond
	if bond == nil {
		bond = uint256.NewInt(0)
	}
	minimum, _ := s.MinimumBond(ctx, req.Currency)
	if bond.Lt(minimum) {
		return contracts.AssertionID{}, fmt.Errorf("%w: %s < %s", ErrBondTooLow, bond.Dec(), minimum.Dec())
	}

	token, err := s.tokens.Token(req.Currency)
	if err != nil {
		return contracts.AssertionID{}, err
	}
	if err := token.TransferFrom(ctx, s.addr, req.Sender, s.addr, bond); err != nil {
		return contracts.AssertionID{}, fmt.Errorf("%w: %w", contracts.ErrTransferFailed, err)
	}

	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	id := assertionID(req, s.nonce, now.UnixNano())
	s.assertions[id] = &assertionRecord{Assertion: Assertion{
		ID:                id,
		Asserter:          req.Asserter,
		CallbackRecipient: req.CallbackRecipient,
		EscalationManager: req.EscalationManager,
		Currency:          req.Currency,
		Bond:              new(uint256.Int).Set(bond),
		Identifier:        req.Identifier,
		Claim:             append([]byte(nil), req.Claim...),
		AssertionTime:     now,
		ExpirationTime:    now.Add(req.Liveness),
	}}
	s.logger.Info("assertion made", "assertion_id", id.Hex(), "asserter", req.Asserter.Hex(), "bond", bond.Dec())
	return id, nil
}

func assertionID(req AssertionRequest, nonce uint64, ts int64) contracts.AssertionID {
	h := sha3.NewLegacyKeccak256()
	var word [8]byte
	_, _ = h.Write(req.Claim)
	_, _ = h.Write(req.Asserter.Bytes())
	_, _ = h.Write(req.Sender.Bytes())
	binary.BigEndian.PutUint64(word[:], nonce)
	_, _ = h.Write(word[:])
	binary.BigEndian.PutUint64(word[:], uint64(ts))
	_, _ = h.Write(word[:])
	var id contracts.AssertionID
	copy(id[:], h.Sum(nil))
	return id
}

// GetAssertion implements Oracle. Unknown ids yield a zero Assertion.
func (s *Simulated) GetAssertion(_ context.Context, id contracts.AssertionID) (Assertion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.assertions[id]
	if !ok {
		return Assertion{}, nil
	}
	a := rec.Assertion
	a.Bond = new(uint256.Int).Set(rec.Bond)
	return a, nil
}

// Dispute challenges an assertion within liveness. The disputer posts a
// matching bond and the callback recipient is notified; if the recipient
// rejects the notification the dispute is undone.
func (s *Simulated) Dispute(ctx context.Context, disputer contracts.Address, id contracts.AssertionID) error {
	s.mu.Lock()
	rec, ok := s.assertions[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownAssertion
	}
	switch {
	case rec.disputed:
		s.mu.Unlock()
		return ErrAlreadyDisputed
	case rec.Settled:
		s.mu.Unlock()
		return ErrAlreadySettled
	case !s.clock.Now().Before(rec.ExpirationTime):
		s.mu.Unlock()
		return ErrExpired
	}
	rec.disputed = true
	rec.Disputer = disputer
	currency, bond, recipient := rec.Currency, new(uint256.Int).Set(rec.Bond), rec.CallbackRecipient
	cb := s.callbacks[recipient]
	s.mu.Unlock()

	undo := func() {
		s.mu.Lock()
		rec.disputed = false
		rec.Disputer = contracts.ZeroAddress
		s.mu.Unlock()
	}

	token, err := s.tokens.Token(currency)
	if err != nil {
		undo()
		return err
	}
	if err := token.TransferFrom(ctx, s.addr, disputer, s.addr, bond); err != nil {
		undo()
		return fmt.Errorf("%w: %w", contracts.ErrTransferFailed, err)
	}

	if cb != nil {
		if err := cb.AssertionDisputed(ctx, s.addr, id); err != nil {
			undo()
			if rerr := token.Transfer(ctx, s.addr, disputer, bond); rerr != nil {
				s.logger.Error("dispute bond refund failed", "assertion_id", id.Hex(), "error", rerr)
			}
			return fmt.Errorf("dispute callback: %w", err)
		}
	}
	s.logger.Info("assertion disputed", "assertion_id", id.Hex(), "disputer", disputer.Hex())
	return nil
}

// Resolve records the arbitration outcome of a disputed assertion.
func (s *Simulated) Resolve(_ context.Context, id contracts.AssertionID, truthful bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.assertions[id]
	if !ok {
		return ErrUnknownAssertion
	}
	if !rec.disputed {
		return ErrNotDisputed
	}
	if rec.Settled {
		return ErrAlreadySettled
	}
	rec.resolved = true
	rec.resolution = truthful
	return nil
}

// SettleAndGetResult implements Oracle. An undisputed assertion settles true
// once liveness has elapsed and returns the bond to the asserter. A disputed
// one settles with the arbitration outcome and pays both bonds to the winner.
// Settling an already settled assertion returns the recorded result.
func (s *Simulated) SettleAndGetResult(ctx context.Context, id contracts.AssertionID) (bool, error) {
	s.mu.Lock()
	rec, ok := s.assertions[id]
	if !ok {
		s.mu.Unlock()
		return false, ErrUnknownAssertion
	}
	if rec.Settled {
		result := rec.SettlementResolution
		s.mu.Unlock()
		return result, nil
	}

	var (
		result bool
		payee  contracts.Address
		amount = new(uint256.Int).Set(rec.Bond)
	)
	switch {
	case !rec.disputed:
		if s.clock.Now().Before(rec.ExpirationTime) {
			s.mu.Unlock()
			return false, ErrNotExpired
		}
		result, payee = true, rec.Asserter
	case !rec.resolved:
		s.mu.Unlock()
		return false, ErrUnresolved
	default:
		result = rec.resolution
		payee = rec.Disputer
		if result {
			payee = rec.Asserter
		}
		amount.Add(amount, rec.Bond)
	}
	rec.Settled = true
	rec.SettlementResolution = result
	currency := rec.Currency
	cb := s.callbacks[rec.CallbackRecipient]
	s.mu.Unlock()

	undo := func() {
		s.mu.Lock()
		rec.Settled = false
		rec.SettlementResolution = false
		s.mu.Unlock()
	}

	if cb != nil {
		if err := cb.AssertionResolved(ctx, s.addr, id, result); err != nil {
			undo()
			return false, fmt.Errorf("resolve callback: %w", err)
		}
	}

	token, err := s.tokens.Token(currency)
	if err == nil {
		err = token.Transfer(ctx, s.addr, payee, amount)
	}
	if err != nil {
		undo()
		return false, fmt.Errorf("%w: payout: %w", contracts.ErrTransferFailed, err)
	}
	s.logger.Info("assertion settled", "assertion_id", id.Hex(), "result", result, "payee", payee.Hex())
	return result, nil
}
