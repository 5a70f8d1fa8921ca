package treasury

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/treasury/pkg/ledger"
)

// settle performs the terminal transfer for a proposal that the completing
// confirmation already moved to executing. It is invoked only as the
// continuation of that confirmation, never by an external caller.
//
// The transition to executing happens under the confirmation's lock hold,
// which guarantees at-most-once execution and leaves a pause no window
// between full confirmation and the execution claim. The outbound transfer
// is the only work done outside the engine lock; reservation and balance
// are debited only once the transfer succeeds, so a proposal parked in
// executing still accounts for its funds in reserved.
func (e *Engine) settle(ctx context.Context, id string, actor Role) error {
	e.mu.Lock()
	p, ok := e.proposals[id]
	if !ok {
		e.mu.Unlock()
		return ErrProposalNotFound
	}
	if p.Status != StatusExecuting {
		e.mu.Unlock()
		return nil
	}
	start := e.clock.Now()
	target, amount := p.Target, p.Amount
	e.mu.Unlock()

	transferErr := e.transferOut(ctx, target, amount)

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok = e.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}

	if transferErr != nil {
		// Fatal: the proposal stays parked in executing with its
		// reservation intact. Reversing a committed-but-unsent transfer
		// risks double release of reserved funds, so this requires
		// operator reconciliation.
		if _, err := e.ledger.Append(ctx, string(actor), ledger.ActionTransferFailed, p.ID, map[string]any{
			"target": target,
			"amount": amount,
			"error":  transferErr.Error(),
		}); err != nil {
			e.logger.ErrorContext(ctx, "failed to record transfer failure", "proposal_id", id, "error", err)
		}
		e.logger.ErrorContext(ctx, "transfer failed after execution commit; manual reconciliation required",
			"proposal_id", id, "target", target, "amount", amount, "error", transferErr)
		return fmt.Errorf("%w: proposal %s: %v", ErrTransferFailed, id, transferErr)
	}

	if _, err := e.ledger.Append(ctx, string(actor), ledger.ActionExecuted, p.ID, map[string]any{
		"target": target,
		"amount": amount,
	}); err != nil {
		return err
	}
	e.balance -= amount
	e.reserved -= amount
	p.Status = StatusExecuted
	e.metrics.ProposalExecuted(ctx, e.clock.Now().Sub(start))
	e.metrics.TreasuryBalance(ctx, e.balance, e.reserved)

	if err := e.persistProposal(ctx, p); err != nil {
		return err
	}
	if err := e.persistTreasury(ctx); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "proposal executed",
		"proposal_id", id, "target", target, "amount", amount, "balance", e.balance)
	return nil
}

// transferOut invokes the outbound collaborator. A nil Transfer means the
// deployment settles externally and the engine only keeps accounts.
func (e *Engine) transferOut(ctx context.Context, target string, amount int64) error {
	if e.transfer == nil {
		return nil
	}
	return e.transfer.Transfer(ctx, target, amount)
}
