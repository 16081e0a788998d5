// Package oracle is the boundary to the optimistic oracle that arbitrates
// proposals. It builds the canonical claim for a proposal, asserts it with
// the escrowed bond, settles it, and detects oracle migrations.
//
// The package also ships Simulated, a self-contained optimistic oracle with
// bonds, disputes, arbitrated resolution and callbacks, used by lite mode and
// tests.
package oracle

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// Identifier names the price identifier an assertion is resolved under.
type Identifier = common.Hash

// DefaultIdentifierName is the identifier used when none is configured.
const DefaultIdentifierName = "ASSERT_TRUTH"

// IdentifierFromString right-pads name into a 32-byte identifier.
func IdentifierFromString(name string) Identifier {
	var id Identifier
	copy(id[:], name)
	return id
}

// IdentifierString trims the zero padding from id.
func IdentifierString(id Identifier) string {
	n := len(id)
	for n > 0 && id[n-1] == 0 {
		n--
	}
	return string(id[:n])
}

// AssertionRequest carries every parameter of an assertion.
type AssertionRequest struct {
	// Sender submits the assertion and pays the bond.
	Sender            contracts.Address
	Claim             []byte
	Asserter          contracts.Address
	CallbackRecipient contracts.Address
	EscalationManager contracts.Address
	Liveness          time.Duration
	Currency          contracts.Address
	Bond              *uint256.Int
	Identifier        Identifier
	Domain            common.Hash
}

// Assertion is the oracle's record of a claim. A zero Asserter means the
// oracle does not know the assertion.
type Assertion struct {
	ID                   contracts.AssertionID `json:"id"`
	Asserter             contracts.Address     `json:"asserter"`
	CallbackRecipient    contracts.Address     `json:"callback_recipient"`
	EscalationManager    contracts.Address     `json:"escalation_manager"`
	Disputer             contracts.Address     `json:"disputer"`
	Currency             contracts.Address     `json:"currency"`
	Bond                 *uint256.Int          `json:"bond"`
	Identifier           Identifier            `json:"identifier"`
	Claim                []byte                `json:"claim"`
	AssertionTime        time.Time             `json:"assertion_time"`
	ExpirationTime       time.Time             `json:"expiration_time"`
	Settled              bool                  `json:"settled"`
	SettlementResolution bool                  `json:"settlement_resolution"`
}

// Known reports whether the oracle recognises the assertion.
func (a Assertion) Known() bool {
	return a.Asserter != contracts.ZeroAddress
}

// Oracle is the external optimistic oracle.
type Oracle interface {
	Address() contracts.Address
	AssertTruth(ctx context.Context, req AssertionRequest) (contracts.AssertionID, error)
	// SettleAndGetResult fails while the assertion is not yet resolvable.
	SettleAndGetResult(ctx context.Context, id contracts.AssertionID) (bool, error)
	GetAssertion(ctx context.Context, id contracts.AssertionID) (Assertion, error)
	MinimumBond(ctx context.Context, currency contracts.Address) (*uint256.Int, error)
	DefaultIdentifier() Identifier
}

// Callbacks receives oracle notifications. caller is the address the
// notification claims to come from; implementations must check it.
type Callbacks interface {
	AssertionDisputed(ctx context.Context, caller contracts.Address, id contracts.AssertionID) error
	AssertionResolved(ctx context.Context, caller contracts.Address, id contracts.AssertionID, truthful bool) error
}

// IdentifierWhitelist decides which identifiers the oracle accepts.
type IdentifierWhitelist interface {
	IsSupported(ctx context.Context, id Identifier) (bool, error)
}
