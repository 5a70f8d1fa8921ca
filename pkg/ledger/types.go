// Package ledger implements the append-only, hash-chained audit ledger.
//
// Every treasury state transition is appended here before it is considered
// durable. Entries are never mutated or deleted; each entry's hash covers
// its predecessor's hash, so any tampering breaks the chain.
package ledger

import (
	"errors"
	"time"
)

var (
	ErrEntryNotFound   = errors.New("audit entry not found")
	ErrChainBroken     = errors.New("audit hash chain is broken")
	ErrMutationAttempt = errors.New("mutation of existing audit entry attempted")
)

// Action categorizes an audit entry.
type Action string

const (
	ActionProposalCreated   Action = "proposal_created"
	ActionConfirmationAdded Action = "confirmation_added"
	ActionFullyConfirmed    Action = "fully_confirmed"
	ActionExecuting         Action = "executing"
	ActionExecuted          Action = "executed"
	ActionTransferFailed    Action = "transfer_failed"
	ActionExpired           Action = "expired"
	ActionCancelled         Action = "cancelled"
	ActionPaused            Action = "paused"
	ActionUnpaused          Action = "unpaused"
	ActionCredit            Action = "credit"

	// ActionEmergency tags the owner-only override withdrawal. It is the
	// single deliberate bypass of dual authorization and must be trivially
	// distinguishable from normal execution entries in review.
	ActionEmergency Action = "EMERGENCY"
)

// Entry is a single immutable entry in the audit ledger.
// ProposalID is empty for treasury-level actions (pause, credit, emergency).
type Entry struct {
	Sequence   uint64         `json:"sequence"`
	Actor      string         `json:"actor"`
	Action     Action         `json:"action"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
	PrevHash   string         `json:"prev_hash"`
	Hash       string         `json:"hash"`
}
