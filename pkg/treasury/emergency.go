package treasury

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/treasury/pkg/ledger"
)

// Pause halts proposal creation, confirmation, and routine execution.
// Either authorized role may pause. Proposals already executing are not
// affected. Pausing an already-paused treasury is a no-op.
func (e *Engine) Pause(ctx context.Context, caller Role) error {
	if !e.roles.Contains(caller) {
		return ErrNotAuthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil
	}
	if _, err := e.ledger.Append(ctx, string(caller), ledger.ActionPaused, "", nil); err != nil {
		return err
	}
	e.paused = true
	e.logger.WarnContext(ctx, "treasury paused", "caller", caller)
	return e.persistTreasury(ctx)
}

// Unpause resumes normal operation. Owner only.
func (e *Engine) Unpause(ctx context.Context, caller Role) error {
	if caller != e.roles.Owner {
		return ErrNotAuthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.paused {
		return nil
	}
	if _, err := e.ledger.Append(ctx, string(caller), ledger.ActionUnpaused, "", nil); err != nil {
		return err
	}
	e.paused = false
	e.logger.InfoContext(ctx, "treasury unpaused", "caller", caller)
	return e.persistTreasury(ctx)
}

// EmergencyWithdraw moves funds while the treasury is paused, bypassing
// dual confirmation entirely. Owner only.
//
// This is the single deliberate bypass of the dual-authorization invariant.
// It debits the balance directly, never a reservation, and appends a
// distinctly tagged EMERGENCY audit entry for after-the-fact review.
func (e *Engine) EmergencyWithdraw(ctx context.Context, caller Role, target string, amount int64) error {
	if caller != e.roles.Owner {
		return ErrNotAuthorized
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if target == "" {
		return fmt.Errorf("target address required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.paused {
		return ErrTreasuryNotPaused
	}
	// Reserved funds stay committed to their proposals even in an
	// emergency; only the unreserved remainder may leave this way.
	available := e.balance - e.reserved
	if amount > available {
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientUnreservedBalance, amount, available)
	}

	if err := e.transferOut(ctx, target, amount); err != nil {
		return fmt.Errorf("%w: emergency withdrawal to %s: %v", ErrTransferFailed, target, err)
	}

	if _, err := e.ledger.Append(ctx, string(caller), ledger.ActionEmergency, "", map[string]any{
		"target": target,
		"amount": amount,
	}); err != nil {
		return err
	}
	e.balance -= amount
	e.metrics.EmergencyWithdrawal(ctx)
	e.metrics.TreasuryBalance(ctx, e.balance, e.reserved)

	e.logger.WarnContext(ctx, "EMERGENCY withdrawal executed",
		"caller", caller, "target", target, "amount", amount, "balance", e.balance)
	return e.persistTreasury(ctx)
}
