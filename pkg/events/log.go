// Package events is the authoritative record of everything the gateway did.
// Every state change emits an event; events are appended to a hash-chained
// log so an auditor can replay the history of an account and detect gaps or
// tampering.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oyaprotocol/contracts/pkg/canonicalize"
	"github.com/oyaprotocol/contracts/pkg/contracts"
)

// Type names an event.
type Type string

// Registry events.
const (
	TransactionsProposed Type = "TransactionsProposed"
	TransactionExecuted  Type = "TransactionExecuted"
	ProposalExecuted     Type = "ProposalExecuted"
	ProposalDeleted      Type = "ProposalDeleted"
	SetCollateralAndBond Type = "SetCollateralAndBond"
	SetRules             Type = "SetRules"
	SetLiveness          Type = "SetLiveness"
	SetIdentifier        Type = "SetIdentifier"
	SetEscalationManager Type = "SetEscalationManager"
	OracleChanged        Type = "OracleChanged"
)

// Vault events.
const (
	VaultCreated       Type = "VaultCreated"
	VaultModeRequested Type = "VaultModeRequested"
	VaultModeChanged   Type = "VaultModeChanged"
	ControllerSet      Type = "ControllerSet"
	ControllerRevoked  Type = "ControllerRevoked"
	GuardianSet        Type = "GuardianSet"
	RulesSet           Type = "RulesSet"
	ProposerSet        Type = "ProposerSet"
)

// Circuit breaker events.
const (
	ProtocolFrozen       Type = "ProtocolFrozen"
	ProtocolUnfrozen     Type = "ProtocolUnfrozen"
	AuthorityTransferred Type = "AuthorityTransferred"
)

var (
	ErrNotFound    = errors.New("event not found")
	ErrBrokenChain = errors.New("event chain broken")
)

// Envelope is a committed event.
type Envelope struct {
	EventID     string            `json:"event_id"`
	Type        Type              `json:"type"`
	Sequence    uint64            `json:"sequence"`
	Account     contracts.Address `json:"account"`
	Payload     json.RawMessage   `json:"payload"`
	PayloadHash string            `json:"payload_hash"`
	PrevHash    string            `json:"prev_hash"`
	Hash        string            `json:"hash"`
	ArchiveRef  string            `json:"archive_ref,omitempty"`
	CommittedAt time.Time         `json:"committed_at"`
}

// Log is an append-only, hash-chained event log.
type Log interface {
	// Append assigns the sequence number and chain hashes and commits e.
	Append(ctx context.Context, e *Envelope) (uint64, error)
	// Range returns events with sequence in [start, end].
	Range(ctx context.Context, start, end uint64) ([]*Envelope, error)
	// Head returns the last sequence number and chain hash.
	Head(ctx context.Context) (uint64, string, error)
}

// Seal fills the sequence and hash fields of e so that it follows prevHash.
func Seal(e *Envelope, seq uint64, prevHash string) error {
	payloadHash := canonicalize.HashBytes(e.Payload)
	h, err := canonicalize.CanonicalHash(map[string]interface{}{
		"event_id":     e.EventID,
		"type":         e.Type,
		"sequence":     seq,
		"account":      e.Account.Hex(),
		"payload_hash": payloadHash,
		"archive_ref":  e.ArchiveRef,
		"prev_hash":    prevHash,
	})
	if err != nil {
		return fmt.Errorf("failed to compute event hash: %w", err)
	}
	e.Sequence = seq
	e.PayloadHash = payloadHash
	e.PrevHash = prevHash
	e.Hash = h
	return nil
}

// Verify checks that events form an unbroken chain starting after prevHash.
func Verify(evts []*Envelope, prevHash string) error {
	for _, e := range evts {
		if e.PrevHash != prevHash {
			return fmt.Errorf("%w: event %d links to %q, want %q", ErrBrokenChain, e.Sequence, e.PrevHash, prevHash)
		}
		check := *e
		if err := Seal(&check, e.Sequence, prevHash); err != nil {
			return err
		}
		if check.Hash != e.Hash || check.PayloadHash != e.PayloadHash {
			return fmt.Errorf("%w: event %d hash mismatch", ErrBrokenChain, e.Sequence)
		}
		prevHash = e.Hash
	}
	return nil
}

// MemoryLog is an in-memory Log.
type MemoryLog struct {
	mu     sync.RWMutex
	events []*Envelope
	head   string
}

// NewMemoryLog creates an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, e *Envelope) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := Seal(e, uint64(len(l.events))+1, l.head); err != nil {
		return 0, err
	}
	l.events = append(l.events, e)
	l.head = e.Hash
	return e.Sequence, nil
}

func (l *MemoryLog) Range(_ context.Context, start, end uint64) ([]*Envelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if start == 0 || start > end {
		return nil, fmt.Errorf("invalid range: [%d, %d]", start, end)
	}
	last := uint64(len(l.events))
	if start > last {
		return []*Envelope{}, nil
	}
	if end > last {
		end = last
	}
	return append([]*Envelope(nil), l.events[start-1:end]...), nil
}

func (l *MemoryLog) Head(_ context.Context) (uint64, string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events)), l.head, nil
}
