// Package contracts defines the shared data model of the optimistic proposal
// gateway: transactions, proposals, the identifiers that key them, and the
// error taxonomy every other package reports through.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Address identifies an account, contract, token or role holder.
type Address = common.Address

// ZeroAddress is the unset address.
var ZeroAddress = Address{}

// ProposalHash is the content hash of an ordered transaction batch.
type ProposalHash = common.Hash

// AssertionID is the opaque identifier the oracle returns for a claim.
type AssertionID = common.Hash

// Operation selects how a transaction is performed against its target.
type Operation uint8

const (
	// OperationCall performs a regular call.
	OperationCall Operation = 0
	// OperationDelegateCall runs the target's code in the acting account's context.
	OperationDelegateCall Operation = 1
)

// String implements fmt.Stringer for Operation.
func (o Operation) String() string {
	switch o {
	case OperationCall:
		return "CALL"
	case OperationDelegateCall:
		return "DELEGATECALL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(o))
	}
}

// Valid reports whether o is a known operation kind.
func (o Operation) Valid() bool {
	return o == OperationCall || o == OperationDelegateCall
}

// Transaction is one state-changing call inside a proposal.
type Transaction struct {
	To        Address
	Operation Operation
	Value     *uint256.Int
	Data      []byte
}

// transactionJSON is the wire form: value is a decimal string, data is 0x-hex.
type transactionJSON struct {
	To        Address       `json:"to"`
	Operation Operation     `json:"operation"`
	Value     string        `json:"value"`
	Data      hexutil.Bytes `json:"data"`
}

// MarshalJSON implements json.Marshaler.
func (t Transaction) MarshalJSON() ([]byte, error) {
	value := "0"
	if t.Value != nil {
		value = t.Value.Dec()
	}
	data := t.Data
	if data == nil {
		data = []byte{}
	}
	return json.Marshal(transactionJSON{
		To:        t.To,
		Operation: t.Operation,
		Value:     value,
		Data:      data,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Transaction) UnmarshalJSON(b []byte) error {
	var aux transactionJSON
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if !aux.Operation.Valid() {
		return fmt.Errorf("invalid operation %d", aux.Operation)
	}
	value := uint256.NewInt(0)
	if aux.Value != "" {
		v, err := uint256.FromDecimal(aux.Value)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", aux.Value, err)
		}
		value = v
	}
	t.To = aux.To
	t.Operation = aux.Operation
	t.Value = value
	t.Data = []byte(aux.Data)
	return nil
}

// ValueOrZero returns the transaction value, treating nil as zero.
func (t Transaction) ValueOrZero() *uint256.Int {
	if t.Value == nil {
		return uint256.NewInt(0)
	}
	return t.Value
}

// Clone returns a deep copy so callers cannot mutate a submitted batch.
func (t Transaction) Clone() Transaction {
	c := Transaction{To: t.To, Operation: t.Operation, Value: new(uint256.Int).Set(t.ValueOrZero())}
	if t.Data != nil {
		c.Data = append([]byte(nil), t.Data...)
	}
	return c
}

// CloneTransactions deep-copies a batch.
func CloneTransactions(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	for i, tx := range txs {
		out[i] = tx.Clone()
	}
	return out
}

// Proposal is the full content of a submitted batch. Only its hash is kept in
// state; the proposal itself travels in the TransactionsProposed event.
type Proposal struct {
	Transactions []Transaction `json:"transactions"`
	RequestTime  time.Time     `json:"request_time"`
}
