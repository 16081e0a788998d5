package contracts

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers deciding whether to resubmit, wait,
// or fix their input.
type Kind string

const (
	KindAuthorization Kind = "AUTHORIZATION"
	KindStateConflict Kind = "STATE_CONFLICT"
	KindValidation    Kind = "VALIDATION"
	KindExternal      Kind = "EXTERNAL"
	KindInternal      Kind = "INTERNAL"
)

// Error is a classified, comparable domain error. Sentinels are compared by
// identity through errors.Is.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// Authorization.
var (
	ErrNotController = newError(KindAuthorization, "NotController", "caller is not the account or one of its controllers")
	ErrNotGuardian   = newError(KindAuthorization, "NotGuardian", "caller is not a guardian of the account")
	ErrNotProposer   = newError(KindAuthorization, "NotProposer", "caller may not propose for the account")
	ErrNotOwner      = newError(KindAuthorization, "NotOwner", "caller is not the owner of the registry")
	ErrNotOracle     = newError(KindAuthorization, "NotOracle", "caller is not the registered oracle")
	ErrNotCAT        = newError(KindAuthorization, "NotCAT", "caller is not the circuit breaker authority")
)

// State conflicts.
var (
	ErrDuplicateProposal    = newError(KindStateConflict, "DuplicateProposal", "an identical proposal is already pending")
	ErrUnknownProposal      = newError(KindStateConflict, "UnknownProposal", "no pending proposal for this hash")
	ErrAccountFrozen        = newError(KindStateConflict, "AccountFrozen", "account is frozen")
	ErrProtocolFrozen       = newError(KindStateConflict, "ProtocolFrozen", "protocol is frozen")
	ErrMigrationNotDetected = newError(KindStateConflict, "MigrationNotDetected", "oracle still recognizes the assertion")
	ErrInvalidAssertion     = newError(KindStateConflict, "InvalidAssertion", "assertion is not linked to a pending proposal")
	ErrExecutionInProgress  = newError(KindStateConflict, "ExecutionInProgress", "another batch is being replayed for this account")
	ErrVaultExists          = newError(KindStateConflict, "VaultExists", "vault already exists")
	ErrUnknownVault         = newError(KindStateConflict, "UnknownVault", "vault does not exist")
)

// Validation.
var (
	ErrInvalidTarget   = newError(KindValidation, "InvalidTarget", "transaction target is not valid")
	ErrEmptyRules      = newError(KindValidation, "EmptyRules", "rules must not be empty")
	ErrInvalidMode     = newError(KindValidation, "InvalidMode", "unknown account mode")
	ErrEmptyProposal   = newError(KindValidation, "EmptyProposal", "proposal has no transactions")
	ErrInvalidLiveness = newError(KindValidation, "InvalidLiveness", "liveness is out of range")
	ErrInvalidAddress  = newError(KindValidation, "InvalidAddress", "address must not be zero")
	ErrPolicyRejected  = newError(KindValidation, "PolicyRejected", "proposal rejected by admission policy")
)

// External dependencies.
var (
	ErrSettlementFailed           = newError(KindExternal, "SettlementFailed", "oracle could not settle the assertion")
	ErrProposalRejected           = newError(KindExternal, "ProposalRejected", "oracle resolved the assertion as false")
	ErrTransferFailed             = newError(KindExternal, "TransferFailed", "collateral transfer failed")
	ErrUnsupportedCollateral      = newError(KindExternal, "UnsupportedCollateral", "collateral is not whitelisted")
	ErrUnsupportedIdentifier      = newError(KindExternal, "UnsupportedIdentifier", "identifier is not supported")
	ErrTransactionExecutionFailed = newError(KindExternal, "TransactionExecutionFailed", "transaction execution failed")
)

// TransactionExecutionFailedError reports which transaction of a batch failed.
type TransactionExecutionFailedError struct {
	Index int
	Err   error
}

func (e *TransactionExecutionFailedError) Error() string {
	return fmt.Sprintf("%s: transaction %d: %v", ErrTransactionExecutionFailed.Code, e.Index, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *TransactionExecutionFailedError) Unwrap() []error {
	return []error{ErrTransactionExecutionFailed, e.Err}
}

// InvalidTargetError reports which transaction carried a bad target.
type InvalidTargetError struct {
	Index  int
	Target Address
	Reason string
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("%s: transaction %d target %s: %s", ErrInvalidTarget.Code, e.Index, e.Target.Hex(), e.Reason)
}

// Unwrap returns ErrInvalidTarget.
func (e *InvalidTargetError) Unwrap() error { return ErrInvalidTarget }

// KindOf classifies err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of the first classified error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "Internal"
}
