package contracts

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// HashTransactions returns the keccak256 digest of the ordered batch.
//
// Encoding: uint64 count, then per transaction
// to(20) || operation(1) || value(32, big-endian) || uint64 len(data) || data.
// Order is part of the digest, so a reordered batch is a different proposal.
func HashTransactions(txs []Transaction) ProposalHash {
	h := sha3.NewLegacyKeccak256()

	var word [8]byte
	binary.BigEndian.PutUint64(word[:], uint64(len(txs)))
	_, _ = h.Write(word[:])

	for _, tx := range txs {
		_, _ = h.Write(tx.To.Bytes())
		_, _ = h.Write([]byte{byte(tx.Operation)})
		value := tx.ValueOrZero().Bytes32()
		_, _ = h.Write(value[:])
		binary.BigEndian.PutUint64(word[:], uint64(len(tx.Data)))
		_, _ = h.Write(word[:])
		_, _ = h.Write(tx.Data)
	}

	var out ProposalHash
	copy(out[:], h.Sum(nil))
	return out
}
