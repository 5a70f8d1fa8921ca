// Package treasury implements the dual-authorization release engine that
// gates every outbound transfer of custodial funds.
//
// A withdrawal is proposed by one of exactly two authorized roles, confirmed
// by the other, and executed at most once. Pending proposals reserve funds
// and expire after a TTL. Every transition is appended to the audit ledger
// before it is considered durable.
package treasury

import (
	"fmt"
	"time"
)

// Role identifies one of the two authorized treasury roles.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleTreasurer Role = "treasurer"
)

// RoleSet is the fixed two-role authorization configuration. Membership is
// an explicit construction value, not ambient identity: the engine never
// consults anything outside this set.
type RoleSet struct {
	Owner     Role
	Treasurer Role
}

// NewRoleSet builds a role set from two distinct, non-empty roles.
func NewRoleSet(owner, treasurer Role) (RoleSet, error) {
	if owner == "" || treasurer == "" {
		return RoleSet{}, fmt.Errorf("roles must be non-empty")
	}
	if owner == treasurer {
		return RoleSet{}, fmt.Errorf("owner and treasurer must be distinct roles")
	}
	return RoleSet{Owner: owner, Treasurer: treasurer}, nil
}

// DefaultRoleSet returns the conventional owner/treasurer pair.
func DefaultRoleSet() RoleSet {
	return RoleSet{Owner: RoleOwner, Treasurer: RoleTreasurer}
}

// Contains reports whether r is one of the two authorized roles.
func (s RoleSet) Contains(r Role) bool {
	return r == s.Owner || r == s.Treasurer
}

// Members returns both roles.
func (s RoleSet) Members() []Role {
	return []Role{s.Owner, s.Treasurer}
}

// Status is a proposal lifecycle state. The lifecycle is a closed variant
// type: the only legal transitions are those in validTransitions.
type Status string

const (
	StatusCreated            Status = "created"
	StatusPartiallyConfirmed Status = "partially_confirmed"
	StatusFullyConfirmed     Status = "fully_confirmed"
	StatusExecuting          Status = "executing"
	StatusExecuted           Status = "executed"
	StatusExpired            Status = "expired"
	StatusCancelled          Status = "cancelled"
)

var validTransitions = map[Status][]Status{
	StatusCreated:            {StatusPartiallyConfirmed, StatusFullyConfirmed, StatusExpired, StatusCancelled},
	StatusPartiallyConfirmed: {StatusFullyConfirmed, StatusExpired, StatusCancelled},
	StatusFullyConfirmed:     {StatusExecuting},
	StatusExecuting:          {StatusExecuted},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusExpired || s == StatusCancelled
}

// Confirmable reports whether a proposal in this status can still collect
// confirmations (and therefore also be cancelled or expired).
func (s Status) Confirmable() bool {
	return s == StatusCreated || s == StatusPartiallyConfirmed
}

// Reserves reports whether a proposal in this status holds a reservation
// against the treasury balance.
func (s Status) Reserves() bool {
	switch s {
	case StatusCreated, StatusPartiallyConfirmed, StatusFullyConfirmed, StatusExecuting:
		return true
	}
	return false
}

// Proposal is a pending request to move funds out of the treasury.
// Amounts are integers in the smallest currency unit.
type Proposal struct {
	ID            string             `json:"id"`
	Proposer      Role               `json:"proposer"`
	Target        string             `json:"target"`
	Amount        int64              `json:"amount"`
	CreatedAt     time.Time          `json:"created_at"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Confirmations map[Role]time.Time `json:"confirmations"`
	Status        Status             `json:"status"`
}

// ConfirmedBy reports whether r has already confirmed the proposal.
func (p *Proposal) ConfirmedBy(r Role) bool {
	_, ok := p.Confirmations[r]
	return ok
}

// clone returns a deep copy safe to hand outside the engine lock.
func (p *Proposal) clone() *Proposal {
	cp := *p
	cp.Confirmations = make(map[Role]time.Time, len(p.Confirmations))
	for r, t := range p.Confirmations {
		cp.Confirmations[r] = t
	}
	return &cp
}
