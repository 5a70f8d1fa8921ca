package treasury

import (
	"context"
	"sort"
	"time"

	"github.com/Mindburn-Labs/treasury/pkg/timelock"
)

// ProposalView is the read-model projection of a proposal.
type ProposalView struct {
	ID            string        `json:"id"`
	Proposer      Role          `json:"proposer"`
	Target        string        `json:"target"`
	Amount        int64         `json:"amount"`
	Status        Status        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at"`
	Confirmations []Role        `json:"confirmations"`
	RemainingTTL  time.Duration `json:"remaining_ttl"`
}

// State is the read-only view of the treasury: balances, the pause flag,
// and every non-terminal proposal with its confirmation set.
type State struct {
	Balance   int64          `json:"balance"`
	Reserved  int64          `json:"reserved"`
	Available int64          `json:"available"`
	Paused    bool           `json:"paused"`
	Roles     []Role         `json:"roles"`
	Proposals []ProposalView `json:"proposals"`
}

// State returns a consistent snapshot. Expiry is enforced lazily on access:
// stale proposals are expired (with audit entries) before the snapshot is
// taken, so a caller never observes a live proposal past its deadline.
func (e *Engine) State(ctx context.Context) (State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	expired := 0
	for _, p := range e.proposals {
		if p.Status.Confirmable() && timelock.IsExpired(p.ExpiresAt, now) {
			if err := e.expireLocked(ctx, p); err != nil {
				return State{}, err
			}
			expired++
		}
	}
	if expired > 0 {
		e.metrics.ProposalsExpired(ctx, expired)
		if err := e.persistTreasury(ctx); err != nil {
			return State{}, err
		}
	}

	st := State{
		Balance:   e.balance,
		Reserved:  e.reserved,
		Available: e.balance - e.reserved,
		Paused:    e.paused,
		Roles:     e.roles.Members(),
	}
	for _, p := range e.proposals {
		if p.Status.Terminal() {
			continue
		}
		st.Proposals = append(st.Proposals, viewOf(p, now))
	}
	sort.Slice(st.Proposals, func(i, j int) bool {
		return st.Proposals[i].CreatedAt.Before(st.Proposals[j].CreatedAt)
	})
	return st, nil
}

// Proposal returns the read-model view of a single proposal, terminal or not.
func (e *Engine) Proposal(ctx context.Context, id string) (ProposalView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.proposals[id]
	if !ok {
		return ProposalView{}, ErrProposalNotFound
	}
	if _, err := e.lazyExpireLocked(ctx, p); err != nil {
		return ProposalView{}, err
	}
	return viewOf(p, e.clock.Now()), nil
}

func viewOf(p *Proposal, now time.Time) ProposalView {
	confirmations := make([]Role, 0, len(p.Confirmations))
	for r := range p.Confirmations {
		confirmations = append(confirmations, r)
	}
	sort.Slice(confirmations, func(i, j int) bool { return confirmations[i] < confirmations[j] })

	remaining := time.Duration(0)
	if p.Status.Confirmable() {
		remaining = timelock.Remaining(p.ExpiresAt, now)
	}
	return ProposalView{
		ID:            p.ID,
		Proposer:      p.Proposer,
		Target:        p.Target,
		Amount:        p.Amount,
		Status:        p.Status,
		CreatedAt:     p.CreatedAt,
		ExpiresAt:     p.ExpiresAt,
		Confirmations: confirmations,
		RemainingTTL:  remaining,
	}
}
