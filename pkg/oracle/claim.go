package oracle

import (
	"strconv"
	"strings"

	"github.com/oyaprotocol/contracts/pkg/canonicalize"
	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// BuildClaim renders the canonical claim asserted for a proposal:
//
//	proposalHash:0x<hex>,explanation:"<text>",rules:"<text>"
//
// Text fields are NFC-normalised and quoted so the claim is byte-stable for
// equivalent input.
func BuildClaim(hash contracts.ProposalHash, explanation, rules string) []byte {
	var b strings.Builder
	b.WriteString("proposalHash:")
	b.WriteString(hash.Hex())
	b.WriteString(",explanation:")
	b.WriteString(strconv.Quote(canonicalize.NFC(explanation)))
	b.WriteString(",rules:")
	b.WriteString(strconv.Quote(canonicalize.NFC(rules)))
	return []byte(b.String())
}
