package treasury

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/treasury/pkg/ledger"
	"github.com/Mindburn-Labs/treasury/pkg/timelock"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingTransfer counts outbound transfers and can be made to fail.
type recordingTransfer struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (r *recordingTransfer) Transfer(ctx context.Context, target string, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, fmt.Sprintf("%s:%d", target, amount))
	return nil
}

func (r *recordingTransfer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type testFixture struct {
	engine   *Engine
	ledger   *ledger.Ledger
	clock    *timelock.ManualClock
	transfer *recordingTransfer
	store    *MemoryStore
}

func newFixture(t *testing.T, balance int64, opts ...Option) *testFixture {
	t.Helper()
	clock := timelock.NewManualClock(testStart)
	led := ledger.New().WithClock(clock.Now)
	transfer := &recordingTransfer{}
	store := NewMemoryStore()

	all := append([]Option{
		WithClock(clock),
		WithTransfer(transfer),
		WithStore(store),
	}, opts...)
	e, err := New(DefaultRoleSet(), led, all...)
	require.NoError(t, err)

	if balance > 0 {
		require.NoError(t, e.Credit(context.Background(), "funding", balance))
	}
	return &testFixture{engine: e, ledger: led, clock: clock, transfer: transfer, store: store}
}

func (f *testFixture) mustCreate(t *testing.T, proposer Role, amount int64) string {
	t.Helper()
	id, err := f.engine.Create(context.Background(), proposer, "addr-dest", amount, 0)
	require.NoError(t, err)
	return id
}

func (f *testFixture) state(t *testing.T) State {
	t.Helper()
	st, err := f.engine.State(context.Background())
	require.NoError(t, err)
	return st
}

func lastAction(t *testing.T, led *ledger.Ledger, action ledger.Action) ledger.Entry {
	t.Helper()
	entries := led.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Action == action {
			return entries[i]
		}
	}
	t.Fatalf("no %s entry in ledger", action)
	return ledger.Entry{}
}

func TestHappyPathDualConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)

	st := f.state(t)
	assert.Equal(t, int64(50), st.Balance)
	assert.Equal(t, int64(10), st.Reserved)
	assert.Equal(t, int64(40), st.Available)

	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))
	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyConfirmed, view.Status)

	require.NoError(t, f.engine.Confirm(ctx, id, RoleTreasurer))
	view, err = f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, view.Status)

	st = f.state(t)
	assert.Equal(t, int64(40), st.Balance)
	assert.Equal(t, int64(0), st.Reserved)
	assert.Equal(t, 1, f.transfer.count())

	ok, reason := f.ledger.Verify()
	assert.True(t, ok, reason)
}

func TestProposerConfirmationOrderIrrelevant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	// Treasurer proposes, owner confirms first, then treasurer.
	id, err := f.engine.Create(ctx, RoleTreasurer, "addr-dest", 10, 0)
	require.NoError(t, err)

	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))
	require.NoError(t, f.engine.Confirm(ctx, id, RoleTreasurer))

	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, view.Status)
}

func TestExpirySweepReleasesReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50, WithTTL(time.Hour))

	id := f.mustCreate(t, RoleOwner, 10)
	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))

	f.clock.Advance(time.Hour + time.Second)

	n, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := f.state(t)
	assert.Equal(t, int64(50), st.Balance)
	assert.Equal(t, int64(0), st.Reserved)

	err = f.engine.Confirm(ctx, id, RoleTreasurer)
	assert.ErrorIs(t, err, ErrProposalExpired)
	assert.Equal(t, 0, f.transfer.count())

	entry := lastAction(t, f.ledger, ledger.ActionExpired)
	assert.Equal(t, id, entry.ProposalID)
}

func TestSweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50, WithTTL(time.Hour))

	f.mustCreate(t, RoleOwner, 10)
	f.clock.Advance(2 * time.Hour)

	n, err := f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestLazyExpiryOnAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50, WithTTL(time.Hour))

	id := f.mustCreate(t, RoleOwner, 10)
	f.clock.Advance(2 * time.Hour)

	// No sweep has run; the read path must still never show a live
	// proposal past its deadline.
	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Status)

	st := f.state(t)
	assert.Equal(t, int64(0), st.Reserved)
}

func TestTTLBoundaryInstantStillLive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50, WithTTL(time.Hour))

	id := f.mustCreate(t, RoleOwner, 10)
	f.clock.Advance(time.Hour) // exactly at expires_at

	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))
	require.NoError(t, f.engine.Confirm(ctx, id, RoleTreasurer))

	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, view.Status)
}

func TestPauseBlocksLifecycleAndEmergencyWithdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)
	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))

	require.NoError(t, f.engine.Pause(ctx, RoleTreasurer))

	err := f.engine.Confirm(ctx, id, RoleTreasurer)
	assert.ErrorIs(t, err, ErrTreasuryPaused)

	_, err = f.engine.Create(ctx, RoleOwner, "addr-dest", 5, 0)
	assert.ErrorIs(t, err, ErrTreasuryPaused)

	// Only the unreserved remainder may leave in an emergency.
	err = f.engine.EmergencyWithdraw(ctx, RoleOwner, "addr-rescue", 45)
	assert.ErrorIs(t, err, ErrInsufficientUnreservedBalance)

	require.NoError(t, f.engine.EmergencyWithdraw(ctx, RoleOwner, "addr-rescue", 40))

	st := f.state(t)
	assert.Equal(t, int64(10), st.Balance)
	assert.Equal(t, int64(10), st.Reserved)
	assert.True(t, st.Paused)

	entry := lastAction(t, f.ledger, ledger.ActionEmergency)
	assert.Equal(t, string(RoleOwner), entry.Actor)
	assert.Equal(t, ledger.Action("EMERGENCY"), entry.Action)

	ok, reason := f.ledger.Verify()
	assert.True(t, ok, reason)
}

func TestPauseCannotInterleaveConfirmationAndExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)
	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))

	// The completing confirmation claims execution before releasing the
	// engine lock. Reproduce the handoff with the lock dropped in between:
	// a pause landing there must find the proposal already executing, never
	// fully confirmed and still claimable.
	claimed, err := f.engine.addConfirmation(ctx, id, RoleTreasurer)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, f.engine.Pause(ctx, RoleOwner))

	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, view.Status,
		"execution must be claimed under the confirmation lock")

	// Settlement proceeds: the pause landed after the executing
	// transition, so this proposal is legitimately unaffected.
	require.NoError(t, f.engine.settle(ctx, id, RoleTreasurer))

	st := f.state(t)
	assert.Equal(t, int64(40), st.Balance)
	assert.Equal(t, int64(0), st.Reserved)
	assert.True(t, st.Paused)
	assert.Equal(t, 1, f.transfer.count())
}

func TestCreateTTLOverrideBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50, WithTTL(time.Hour), WithMaxTTL(24*time.Hour))

	_, err := f.engine.Create(ctx, RoleOwner, "addr-dest", 10, 48*time.Hour)
	assert.ErrorIs(t, err, ErrInvalidTTL)

	st := f.state(t)
	assert.Equal(t, int64(0), st.Reserved, "rejected create must not reserve")

	id, err := f.engine.Create(ctx, RoleOwner, "addr-dest", 10, 12*time.Hour)
	require.NoError(t, err)
	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(12*time.Hour), view.ExpiresAt)
}

func TestCreateDefaultMaxTTL(t *testing.T) {
	f := newFixture(t, 50)

	_, err := f.engine.Create(context.Background(), RoleOwner, "addr-dest", 10, 365*24*time.Hour)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}

func TestEmergencyWithdrawRequiresPause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	err := f.engine.EmergencyWithdraw(ctx, RoleOwner, "addr-rescue", 10)
	assert.ErrorIs(t, err, ErrTreasuryNotPaused)
}

func TestEmergencyWithdrawOwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	require.NoError(t, f.engine.Pause(ctx, RoleOwner))

	err := f.engine.EmergencyWithdraw(ctx, RoleTreasurer, "addr-rescue", 10)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestUnpauseOwnerOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	require.NoError(t, f.engine.Pause(ctx, RoleTreasurer))

	assert.ErrorIs(t, f.engine.Unpause(ctx, RoleTreasurer), ErrNotAuthorized)
	require.NoError(t, f.engine.Unpause(ctx, RoleOwner))

	_, err := f.engine.Create(ctx, RoleOwner, "addr-dest", 5, 0)
	require.NoError(t, err)
}

func TestPauseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	require.NoError(t, f.engine.Pause(ctx, RoleOwner))
	before := f.ledger.Length()
	require.NoError(t, f.engine.Pause(ctx, RoleTreasurer))
	assert.Equal(t, before, f.ledger.Length(), "re-pausing must not append an audit entry")
}

func TestInsufficientUnreservedBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	f.mustCreate(t, RoleOwner, 45)

	before := f.ledger.Length()
	_, err := f.engine.Create(ctx, RoleTreasurer, "addr-dest", 10, 0)
	assert.ErrorIs(t, err, ErrInsufficientUnreservedBalance)

	// Rejection must leave no trace: no reservation, no audit entry.
	st := f.state(t)
	assert.Equal(t, int64(45), st.Reserved)
	assert.Len(t, st.Proposals, 1)
	assert.Equal(t, before, f.ledger.Length())
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	_, err := f.engine.Create(ctx, Role("auditor"), "addr-dest", 10, 0)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = f.engine.Create(ctx, RoleOwner, "addr-dest", 0, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.engine.Create(ctx, RoleOwner, "addr-dest", -5, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = f.engine.Create(ctx, RoleOwner, "", 10, 0)
	assert.Error(t, err)
}

func TestConfirmRejectsDuplicateSigner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)
	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))

	err := f.engine.Confirm(ctx, id, RoleOwner)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
	assert.Equal(t, 0, f.transfer.count())
}

func TestConfirmUnknownRoleAndProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)

	assert.ErrorIs(t, f.engine.Confirm(ctx, id, Role("auditor")), ErrNotAuthorized)
	assert.ErrorIs(t, f.engine.Confirm(ctx, "missing", RoleOwner), ErrProposalNotFound)
}

func TestConfirmExecutedProposalRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)
	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))
	require.NoError(t, f.engine.Confirm(ctx, id, RoleTreasurer))

	err := f.engine.Confirm(ctx, id, RoleTreasurer)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)
	assert.Equal(t, 1, f.transfer.count(), "settled proposal must never execute again")
}

func TestCancelByProposer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleTreasurer, 10)
	require.NoError(t, f.engine.Cancel(ctx, id, RoleTreasurer))

	st := f.state(t)
	assert.Equal(t, int64(0), st.Reserved)

	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, view.Status)
}

func TestCancelByOwnerOverridesProposer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleTreasurer, 10)
	require.NoError(t, f.engine.Cancel(ctx, id, RoleOwner))
}

func TestCancelByTreasurerOfOwnersProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)
	err := f.engine.Cancel(ctx, id, RoleTreasurer)
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestCancelAfterFullConfirmationRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)
	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))
	require.NoError(t, f.engine.Confirm(ctx, id, RoleTreasurer))

	err := f.engine.Cancel(ctx, id, RoleOwner)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCancelExpiredProposalRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50, WithTTL(time.Hour))

	id := f.mustCreate(t, RoleOwner, 10)
	f.clock.Advance(2 * time.Hour)

	err := f.engine.Cancel(ctx, id, RoleOwner)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	// The cancel attempt still applied lazy expiry.
	st := f.state(t)
	assert.Equal(t, int64(0), st.Reserved)
}

func TestTransferFailureParksProposal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	f.transfer.fail = errors.New("settlement backend unreachable")

	id := f.mustCreate(t, RoleOwner, 10)
	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))

	err := f.engine.Confirm(ctx, id, RoleTreasurer)
	assert.ErrorIs(t, err, ErrTransferFailed)

	// The proposal stays parked in executing with its reservation intact;
	// nothing is silently reverted.
	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, view.Status)

	st := f.state(t)
	assert.Equal(t, int64(50), st.Balance)
	assert.Equal(t, int64(10), st.Reserved)

	entry := lastAction(t, f.ledger, ledger.ActionTransferFailed)
	assert.Equal(t, id, entry.ProposalID)
	assert.Contains(t, entry.Payload["error"], "unreachable")

	ok, reason := f.ledger.Verify()
	assert.True(t, ok, reason)
}

func TestCreditValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)

	assert.ErrorIs(t, f.engine.Credit(ctx, "funding", 0), ErrInvalidAmount)
	assert.ErrorIs(t, f.engine.Credit(ctx, "funding", -1), ErrInvalidAmount)

	require.NoError(t, f.engine.Credit(ctx, "funding", 25))
	st := f.state(t)
	assert.Equal(t, int64(25), st.Balance)

	entry := lastAction(t, f.ledger, ledger.ActionCredit)
	assert.Equal(t, "funding", entry.Actor)
}

func TestPolicyDeniesOversizedWithdrawal(t *testing.T) {
	ctx := context.Background()
	policy, err := NewPolicy("amount <= available / 2")
	require.NoError(t, err)
	f := newFixture(t, 100, WithPolicy(policy))

	_, err = f.engine.Create(ctx, RoleOwner, "addr-dest", 60, 0)
	assert.ErrorIs(t, err, ErrPolicyDenied)

	_, err = f.engine.Create(ctx, RoleOwner, "addr-dest", 50, 0)
	require.NoError(t, err)
}

func TestRestoreFromStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)

	id := f.mustCreate(t, RoleOwner, 10)
	require.NoError(t, f.engine.Confirm(ctx, id, RoleOwner))
	require.NoError(t, f.engine.Pause(ctx, RoleTreasurer))

	// A fresh engine over the same store picks up where the old one stopped.
	e2, err := New(DefaultRoleSet(), ledger.New().WithClock(f.clock.Now),
		WithClock(f.clock), WithStore(f.store))
	require.NoError(t, err)
	require.NoError(t, e2.Restore(ctx))

	st, err := e2.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), st.Balance)
	assert.Equal(t, int64(10), st.Reserved)
	assert.True(t, st.Paused)
	require.Len(t, st.Proposals, 1)
	assert.Equal(t, StatusPartiallyConfirmed, st.Proposals[0].Status)
	assert.Equal(t, []Role{RoleOwner}, st.Proposals[0].Confirmations)
}

func TestConcurrentConfirmationsExecuteOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1000)

	var executed atomic.Int64
	f.engine.transfer = TransferFunc(func(ctx context.Context, target string, amount int64) error {
		executed.Add(1)
		return nil
	})

	id := f.mustCreate(t, RoleOwner, 10)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		role := RoleOwner
		if i%2 == 1 {
			role = RoleTreasurer
		}
		wg.Add(1)
		go func(r Role) {
			defer wg.Done()
			// Duplicate and late confirmations fail; that is the point.
			_ = f.engine.Confirm(ctx, id, r)
		}(role)
	}
	wg.Wait()

	assert.Equal(t, int64(1), executed.Load(), "transfer must run exactly once")

	view, err := f.engine.Proposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, view.Status)

	st := f.state(t)
	assert.Equal(t, int64(990), st.Balance)
	assert.Equal(t, int64(0), st.Reserved)

	ok, reason := f.ledger.Verify()
	assert.True(t, ok, reason)
}

func TestConcurrentCreatesNeverOverReserve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Create(ctx, RoleOwner, "addr-dest", 10, 0)
		}()
	}
	wg.Wait()

	st := f.state(t)
	assert.LessOrEqual(t, st.Reserved, st.Balance)
	assert.Len(t, st.Proposals, 10, "exactly balance/amount proposals can reserve")
}

func TestReservedSumMatchesLiveProposals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200, WithTTL(time.Hour))

	a := f.mustCreate(t, RoleOwner, 30)
	b := f.mustCreate(t, RoleTreasurer, 20)
	c := f.mustCreate(t, RoleOwner, 50)

	require.NoError(t, f.engine.Cancel(ctx, b, RoleTreasurer))
	require.NoError(t, f.engine.Confirm(ctx, a, RoleOwner))
	require.NoError(t, f.engine.Confirm(ctx, a, RoleTreasurer))
	_ = c

	st := f.state(t)
	var sum int64
	for _, p := range st.Proposals {
		if p.Status.Reserves() {
			sum += p.Amount
		}
	}
	assert.Equal(t, st.Reserved, sum)
	assert.Equal(t, int64(170), st.Balance)
	assert.Equal(t, int64(50), st.Reserved)
}

func TestNewEngineValidation(t *testing.T) {
	led := ledger.New()

	_, err := New(RoleSet{Owner: "same", Treasurer: "same"}, led)
	assert.Error(t, err)

	_, err = New(RoleSet{Owner: "", Treasurer: "treasurer"}, led)
	assert.Error(t, err)

	_, err = New(DefaultRoleSet(), nil)
	assert.Error(t, err)
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(StatusCreated, StatusPartiallyConfirmed))
	assert.True(t, CanTransition(StatusPartiallyConfirmed, StatusFullyConfirmed))
	assert.True(t, CanTransition(StatusFullyConfirmed, StatusExecuting))
	assert.True(t, CanTransition(StatusExecuting, StatusExecuted))

	assert.False(t, CanTransition(StatusExecuted, StatusCreated))
	assert.False(t, CanTransition(StatusExpired, StatusPartiallyConfirmed))
	assert.False(t, CanTransition(StatusCancelled, StatusFullyConfirmed))
	assert.False(t, CanTransition(StatusFullyConfirmed, StatusCancelled))
	assert.False(t, CanTransition(StatusExecuting, StatusExpired))
}
