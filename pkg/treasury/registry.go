package treasury

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/treasury/pkg/ledger"
)

// Create records a withdrawal proposal and reserves its amount. The
// reservation holds until the proposal reaches a terminal status. A zero
// ttl uses the engine default.
func (e *Engine) Create(ctx context.Context, proposer Role, target string, amount int64, ttl time.Duration) (string, error) {
	if !e.roles.Contains(proposer) {
		return "", ErrNotAuthorized
	}
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if target == "" {
		return "", fmt.Errorf("target address required")
	}
	if ttl <= 0 {
		ttl = e.ttl
	}
	if e.maxTTL > 0 && ttl > e.maxTTL {
		return "", fmt.Errorf("%w: requested %s, maximum %s", ErrInvalidTTL, ttl, e.maxTTL)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return "", ErrTreasuryPaused
	}
	available := e.balance - e.reserved
	if amount > available {
		return "", fmt.Errorf("%w: requested %d, available %d", ErrInsufficientUnreservedBalance, amount, available)
	}
	if e.policy != nil {
		allowed, err := e.policy.Allow(ctx, amount, available, e.balance, proposer)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrPolicyDenied, err)
		}
		if !allowed {
			return "", ErrPolicyDenied
		}
	}

	now := e.clock.Now()
	p := &Proposal{
		ID:            uuid.New().String(),
		Proposer:      proposer,
		Target:        target,
		Amount:        amount,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		Confirmations: make(map[Role]time.Time),
		Status:        StatusCreated,
	}

	if _, err := e.ledger.Append(ctx, string(proposer), ledger.ActionProposalCreated, p.ID, map[string]any{
		"target":     p.Target,
		"amount":     p.Amount,
		"expires_at": p.ExpiresAt,
	}); err != nil {
		return "", err
	}

	e.reserved += amount
	e.proposals[p.ID] = p
	e.metrics.ProposalCreated(ctx)
	e.metrics.TreasuryBalance(ctx, e.balance, e.reserved)

	if err := e.persistProposal(ctx, p); err != nil {
		return "", err
	}
	if err := e.persistTreasury(ctx); err != nil {
		return "", err
	}
	e.logger.InfoContext(ctx, "proposal created",
		"proposal_id", p.ID, "proposer", proposer, "amount", amount, "expires_at", p.ExpiresAt)
	return p.ID, nil
}

// Cancel releases a proposal's reservation and moves it to cancelled.
// Allowed only for the original proposer or the owner, and only while the
// proposal is still collecting confirmations.
func (e *Engine) Cancel(ctx context.Context, id string, caller Role) error {
	if !e.roles.Contains(caller) {
		return ErrNotAuthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return ErrProposalNotFound
	}
	if expired, err := e.lazyExpireLocked(ctx, p); err != nil {
		return err
	} else if expired {
		return fmt.Errorf("%w: proposal %s is expired", ErrInvalidStateTransition, id)
	}
	if !p.Status.Confirmable() {
		return fmt.Errorf("%w: proposal %s is %s", ErrInvalidStateTransition, id, p.Status)
	}
	if caller != p.Proposer && caller != e.roles.Owner {
		return ErrNotAuthorized
	}

	if _, err := e.ledger.Append(ctx, string(caller), ledger.ActionCancelled, p.ID, map[string]any{
		"amount": p.Amount,
	}); err != nil {
		return err
	}

	e.reserved -= p.Amount
	p.Status = StatusCancelled
	e.metrics.ProposalCancelled(ctx)
	e.metrics.TreasuryBalance(ctx, e.balance, e.reserved)

	if err := e.persistProposal(ctx, p); err != nil {
		return err
	}
	if err := e.persistTreasury(ctx); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "proposal cancelled", "proposal_id", id, "caller", caller)
	return nil
}
