//go:build property

package treasury

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/treasury/pkg/ledger"
	"github.com/Mindburn-Labs/treasury/pkg/timelock"
)

// opCode is one step of a random lifecycle schedule.
type opCode int

const (
	opCredit opCode = iota
	opCreate
	opConfirmOwner
	opConfirmTreasurer
	opCancel
	opAdvanceClock
	opSweep
	opPause
	opUnpause
)

type step struct {
	Op     opCode
	Amount int64
}

func genStep() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 8),
		gen.Int64Range(1, 40),
	).Map(func(vals []interface{}) step {
		return step{Op: opCode(vals[0].(int)), Amount: vals[1].(int64)}
	})
}

// TestReservedInvariantHolds drives the engine through arbitrary operation
// schedules and checks after every step that reserved equals the sum of
// amounts over live reserving proposals and never exceeds balance. Errors
// from individual operations are expected and ignored; only accounting
// consistency matters here.
func TestReservedInvariantHolds(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200

	properties := gopter.NewProperties(params)
	properties.Property("reserved equals sum of live reservations", prop.ForAll(
		func(steps []step) bool {
			ctx := context.Background()
			clock := timelock.NewManualClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
			led := ledger.New().WithClock(clock.Now)
			e, err := New(DefaultRoleSet(), led,
				WithClock(clock),
				WithTTL(time.Hour),
			)
			if err != nil {
				return false
			}

			var created []string
			pick := func(i int64) string {
				if len(created) == 0 {
					return "missing"
				}
				return created[int(i)%len(created)]
			}

			for _, s := range steps {
				switch s.Op {
				case opCredit:
					_ = e.Credit(ctx, "funding", s.Amount)
				case opCreate:
					if id, err := e.Create(ctx, RoleOwner, "addr-dest", s.Amount, 0); err == nil {
						created = append(created, id)
					}
				case opConfirmOwner:
					_ = e.Confirm(ctx, pick(s.Amount), RoleOwner)
				case opConfirmTreasurer:
					_ = e.Confirm(ctx, pick(s.Amount), RoleTreasurer)
				case opCancel:
					_ = e.Cancel(ctx, pick(s.Amount), RoleOwner)
				case opAdvanceClock:
					clock.Advance(time.Duration(s.Amount) * time.Minute)
				case opSweep:
					_, _ = e.SweepExpired(ctx)
				case opPause:
					_ = e.Pause(ctx, RoleOwner)
				case opUnpause:
					_ = e.Unpause(ctx, RoleOwner)
				}

				st, err := e.State(ctx)
				if err != nil {
					return false
				}
				var sum int64
				for _, p := range st.Proposals {
					if p.Status.Reserves() {
						sum += p.Amount
					}
				}
				if st.Reserved != sum {
					return false
				}
				if st.Reserved > st.Balance || st.Reserved < 0 {
					return false
				}
			}

			ok, _ := led.Verify()
			return ok
		},
		gen.SliceOf(genStep()),
	))

	properties.TestingRun(t)
}
