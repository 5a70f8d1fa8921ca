package treasury

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/treasury/pkg/ledger"
	"github.com/Mindburn-Labs/treasury/pkg/timelock"
)

// Transfer is the outbound collaborator that actually moves funds. The
// engine treats it as external: a failure after the Executing transition is
// never auto-retried or auto-reverted.
type Transfer interface {
	Transfer(ctx context.Context, target string, amount int64) error
}

// TransferFunc adapts a function to the Transfer interface.
type TransferFunc func(ctx context.Context, target string, amount int64) error

func (f TransferFunc) Transfer(ctx context.Context, target string, amount int64) error {
	return f(ctx, target, amount)
}

// Metrics receives engine-level telemetry. The zero value of the engine
// uses a no-op implementation.
type Metrics interface {
	ProposalCreated(ctx context.Context)
	ConfirmationAdded(ctx context.Context)
	ProposalExecuted(ctx context.Context, took time.Duration)
	ProposalsExpired(ctx context.Context, n int)
	ProposalCancelled(ctx context.Context)
	EmergencyWithdrawal(ctx context.Context)
	TreasuryBalance(ctx context.Context, balance, reserved int64)
}

type nopMetrics struct{}

func (nopMetrics) ProposalCreated(context.Context)                 {}
func (nopMetrics) ConfirmationAdded(context.Context)               {}
func (nopMetrics) ProposalExecuted(context.Context, time.Duration) {}
func (nopMetrics) ProposalsExpired(context.Context, int)           {}
func (nopMetrics) ProposalCancelled(context.Context)               {}
func (nopMetrics) EmergencyWithdrawal(context.Context)             {}
func (nopMetrics) TreasuryBalance(context.Context, int64, int64)   {}

// Engine owns the singleton treasury: balance, reservations, the proposal
// arena, and the pause flag. All mutating operations are serialized by a
// single exclusive lock; the only work done outside the lock is the
// outbound transfer between the Executing and Executed transitions.
type Engine struct {
	mu sync.Mutex

	roles    RoleSet
	balance  int64
	reserved int64
	paused   bool

	proposals map[string]*Proposal

	ttl      time.Duration
	maxTTL   time.Duration
	clock    timelock.Clock
	ledger   *ledger.Ledger
	store    Store
	transfer Transfer
	policy   *Policy
	metrics  Metrics
	logger   *slog.Logger
}

// Option customizes engine construction.
type Option func(*Engine)

// WithClock injects the authority clock (defaults to wall clock).
func WithClock(c timelock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithStore attaches write-through persistence.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithTransfer sets the outbound transfer collaborator.
func WithTransfer(t Transfer) Option { return func(e *Engine) { e.transfer = t } }

// WithPolicy guards proposal creation with a compiled withdrawal policy.
func WithPolicy(p *Policy) Option { return func(e *Engine) { e.policy = p } }

// WithTTL sets the default proposal time-to-live.
func WithTTL(ttl time.Duration) Option { return func(e *Engine) { e.ttl = ttl } }

// WithMaxTTL caps per-proposal TTL overrides. Zero disables the cap.
func WithMaxTTL(max time.Duration) Option { return func(e *Engine) { e.maxTTL = max } }

// WithMetrics attaches engine telemetry.
func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

// New creates an engine over the given role set and audit ledger.
func New(roles RoleSet, led *ledger.Ledger, opts ...Option) (*Engine, error) {
	if _, err := NewRoleSet(roles.Owner, roles.Treasurer); err != nil {
		return nil, err
	}
	if led == nil {
		return nil, fmt.Errorf("engine requires an audit ledger")
	}
	e := &Engine{
		roles:     roles,
		proposals: make(map[string]*Proposal),
		ttl:       timelock.DefaultTTL,
		maxTTL:    timelock.DefaultMaxTTL,
		clock:     timelock.WallClock{},
		ledger:    led,
		metrics:   nopMetrics{},
		logger:    slog.Default().With("component", "treasury.engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Restore loads persisted state from the attached store. Call once at
// startup, before serving requests.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	row, ok, err := e.store.LoadTreasury(ctx)
	if err != nil {
		return fmt.Errorf("load treasury: %w", err)
	}
	if ok {
		e.balance = row.Balance
		e.reserved = row.Reserved
		e.paused = row.Paused
	}
	proposals, err := e.store.LoadProposals(ctx)
	if err != nil {
		return fmt.Errorf("load proposals: %w", err)
	}
	for i := range proposals {
		p := proposals[i]
		e.proposals[p.ID] = p.clone()
	}
	e.logger.InfoContext(ctx, "treasury state restored",
		"balance", e.balance, "reserved", e.reserved, "paused", e.paused,
		"proposals", len(proposals))
	return nil
}

// Credit atomically adds funds to the treasury balance. This is the inbound
// funding path and is not proposal-gated.
func (e *Engine) Credit(ctx context.Context, source string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.ledger.Append(ctx, source, ledger.ActionCredit, "", map[string]any{
		"amount": amount,
	}); err != nil {
		return err
	}
	e.balance += amount
	e.metrics.TreasuryBalance(ctx, e.balance, e.reserved)
	return e.persistTreasury(ctx)
}

// SweepExpired transitions every confirmable proposal past its deadline to
// expired, releasing its reservation. Idempotent: terminal and in-flight
// proposals are skipped.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	swept := 0
	for _, p := range e.proposals {
		if !p.Status.Confirmable() || !timelock.IsExpired(p.ExpiresAt, now) {
			continue
		}
		if err := e.expireLocked(ctx, p); err != nil {
			return swept, err
		}
		swept++
	}
	if swept > 0 {
		e.metrics.ProposalsExpired(ctx, swept)
		e.metrics.TreasuryBalance(ctx, e.balance, e.reserved)
		if err := e.persistTreasury(ctx); err != nil {
			return swept, err
		}
	}
	return swept, nil
}

// expireLocked moves p to expired and releases its reservation.
// Caller holds e.mu and has verified p is confirmable and past deadline.
func (e *Engine) expireLocked(ctx context.Context, p *Proposal) error {
	if _, err := e.ledger.Append(ctx, "timelock", ledger.ActionExpired, p.ID, map[string]any{
		"amount":     p.Amount,
		"expired_at": p.ExpiresAt,
	}); err != nil {
		return err
	}
	e.reserved -= p.Amount
	p.Status = StatusExpired
	return e.persistProposal(ctx, p)
}

// lazyExpireLocked applies expiry on access. Returns true if p is expired
// (whether just now or previously). Caller holds e.mu.
func (e *Engine) lazyExpireLocked(ctx context.Context, p *Proposal) (bool, error) {
	if p.Status == StatusExpired {
		return true, nil
	}
	if p.Status.Confirmable() && timelock.IsExpired(p.ExpiresAt, e.clock.Now()) {
		if err := e.expireLocked(ctx, p); err != nil {
			return false, err
		}
		e.metrics.ProposalsExpired(ctx, 1)
		if err := e.persistTreasury(ctx); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (e *Engine) persistTreasury(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	row := TreasuryRow{Balance: e.balance, Reserved: e.reserved, Paused: e.paused}
	if err := e.store.SaveTreasury(ctx, row); err != nil {
		return fmt.Errorf("persist treasury: %w", err)
	}
	return nil
}

func (e *Engine) persistProposal(ctx context.Context, p *Proposal) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.SaveProposal(ctx, *p); err != nil {
		return fmt.Errorf("persist proposal %s: %w", p.ID, err)
	}
	return nil
}
