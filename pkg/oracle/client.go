package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
	"github.com/oyaprotocol/contracts/pkg/escrow"
)

// Client submits and settles proposal claims against one oracle, paying
// bonds from an escrow adapter.
type Client struct {
	oracle Oracle
	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger used for failures the client cannot return.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient wraps an oracle.
func NewClient(o Oracle, opts ...ClientOption) *Client {
	c := &Client{oracle: o, logger: slog.Default().With("component", "oracle")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Oracle returns the wrapped oracle.
func (c *Client) Oracle() Oracle { return c.oracle }

// Address returns the oracle address.
func (c *Client) Address() contracts.Address { return c.oracle.Address() }

// Bond returns max(configured, oracle minimum) for currency.
func (c *Client) Bond(ctx context.Context, currency contracts.Address, configured *uint256.Int) (*uint256.Int, error) {
	minimum, err := c.oracle.MinimumBond(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("minimum bond: %w", err)
	}
	if configured == nil || configured.Lt(minimum) {
		return new(uint256.Int).Set(minimum), nil
	}
	return new(uint256.Int).Set(configured), nil
}

// AssertParams describes a proposal claim.
type AssertParams struct {
	ProposalHash      contracts.ProposalHash
	Explanation       string
	Rules             string
	Asserter          contracts.Address
	CallbackRecipient contracts.Address
	EscalationManager contracts.Address
	Liveness          time.Duration
	Identifier        Identifier
	Bond              *uint256.Int
}

// Assert grants the oracle an allowance of exactly the bond from escrow and
// asserts the claim. The escrow holder is the sender. On failure the
// allowance is zeroed again; refunding the bond is the caller's job.
func (c *Client) Assert(ctx context.Context, esc *escrow.Adapter, p AssertParams) (contracts.AssertionID, error) {
	if err := esc.Approve(ctx, c.oracle.Address(), p.Bond); err != nil {
		return contracts.AssertionID{}, err
	}
	id, err := c.oracle.AssertTruth(ctx, AssertionRequest{
		Sender:            esc.Holder(),
		Claim:             BuildClaim(p.ProposalHash, p.Explanation, p.Rules),
		Asserter:          p.Asserter,
		CallbackRecipient: p.CallbackRecipient,
		EscalationManager: p.EscalationManager,
		Liveness:          p.Liveness,
		Currency:          esc.Collateral(),
		Bond:              p.Bond,
		Identifier:        p.Identifier,
		Domain:            common.Hash{},
	})
	if err != nil {
		if rerr := esc.Approve(ctx, c.oracle.Address(), uint256.NewInt(0)); rerr != nil {
			c.logger.ErrorContext(ctx, "oracle allowance reset failed",
				"oracle", c.oracle.Address().Hex(), "holder", esc.Holder().Hex(), "error", rerr)
		}
		return contracts.AssertionID{}, fmt.Errorf("assert truth: %w", err)
	}
	return id, nil
}

// SettleAndGetResult settles the assertion and returns its resolution.
func (c *Client) SettleAndGetResult(ctx context.Context, id contracts.AssertionID) (bool, error) {
	return c.oracle.SettleAndGetResult(ctx, id)
}

// Migrated reports whether the oracle no longer knows the assertion, which
// happens after the finder points at a new oracle.
func (c *Client) Migrated(ctx context.Context, id contracts.AssertionID) (bool, error) {
	a, err := c.oracle.GetAssertion(ctx, id)
	if err != nil {
		return false, fmt.Errorf("get assertion: %w", err)
	}
	return !a.Known(), nil
}
