package treasury

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/treasury/pkg/ledger"
)

// Confirm records signer's approval on a proposal. The first confirmation
// moves the proposal to partially confirmed; the confirmation that
// completes the two-role set claims execution under the same lock hold and
// immediately hands off to settlement within the same call.
func (e *Engine) Confirm(ctx context.Context, id string, signer Role) error {
	claimed, err := e.addConfirmation(ctx, id, signer)
	if err != nil {
		return err
	}
	if claimed {
		return e.settle(ctx, id, signer)
	}
	return nil
}

// addConfirmation validates and applies a single confirmation under the
// engine lock. The completing confirmation also performs the transition to
// executing before the lock is released, so no other operation, a pause in
// particular, can interleave between full confirmation and the execution
// claim. Returns true when the caller must settle the transfer.
func (e *Engine) addConfirmation(ctx context.Context, id string, signer Role) (bool, error) {
	if !e.roles.Contains(signer) {
		return false, ErrNotAuthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return false, ErrTreasuryPaused
	}
	p, ok := e.proposals[id]
	if !ok {
		return false, ErrProposalNotFound
	}
	if expired, err := e.lazyExpireLocked(ctx, p); err != nil {
		return false, err
	} else if expired {
		return false, ErrProposalExpired
	}
	if p.ConfirmedBy(signer) {
		return false, ErrAlreadyConfirmed
	}
	if !p.Status.Confirmable() {
		return false, fmt.Errorf("%w: proposal %s is %s", ErrInvalidStateTransition, id, p.Status)
	}

	now := e.clock.Now()
	if _, err := e.ledger.Append(ctx, string(signer), ledger.ActionConfirmationAdded, p.ID, map[string]any{
		"confirmations": len(p.Confirmations) + 1,
	}); err != nil {
		return false, err
	}

	p.Confirmations[signer] = now
	fully := p.ConfirmedBy(e.roles.Owner) && p.ConfirmedBy(e.roles.Treasurer)
	if fully {
		p.Status = StatusFullyConfirmed
		if _, err := e.ledger.Append(ctx, string(signer), ledger.ActionFullyConfirmed, p.ID, nil); err != nil {
			return false, err
		}
		if _, err := e.ledger.Append(ctx, string(signer), ledger.ActionExecuting, p.ID, map[string]any{
			"target": p.Target,
			"amount": p.Amount,
		}); err != nil {
			return false, err
		}
		p.Status = StatusExecuting
	} else {
		p.Status = StatusPartiallyConfirmed
	}
	e.metrics.ConfirmationAdded(ctx)

	if err := e.persistProposal(ctx, p); err != nil {
		return false, err
	}
	e.logger.InfoContext(ctx, "confirmation recorded",
		"proposal_id", id, "signer", signer, "status", p.Status)
	return fully, nil
}
