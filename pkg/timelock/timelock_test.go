package timelock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if IsExpired(deadline, deadline.Add(-time.Second)) {
		t.Fatal("before the deadline must not be expired")
	}
	if IsExpired(deadline, deadline) {
		t.Fatal("the boundary instant itself must still be live")
	}
	if !IsExpired(deadline, deadline.Add(time.Nanosecond)) {
		t.Fatal("past the deadline must be expired")
	}
}

func TestRemaining(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if got := Remaining(deadline, deadline.Add(-time.Minute)); got != time.Minute {
		t.Fatalf("expected 1m remaining, got %v", got)
	}
	if got := Remaining(deadline, deadline.Add(time.Hour)); got != 0 {
		t.Fatalf("expected 0 remaining after expiry, got %v", got)
	}
}

func TestManualClock(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	if !c.Now().Equal(start) {
		t.Fatal("manual clock must start pinned")
	}
	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Fatal("advance must move the clock forward")
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatal("set must pin the clock")
	}
}

type countingTarget struct {
	calls atomic.Int64
}

func (c *countingTarget) SweepExpired(ctx context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestSweeperRunsUntilCancelled(t *testing.T) {
	target := &countingTarget{}
	s := NewSweeper(target, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for target.calls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("sweeper never ticked")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on cancel")
	}
}

func TestNewSweeperDefaultsInterval(t *testing.T) {
	s := NewSweeper(&countingTarget{}, 0)
	if s.interval != time.Minute {
		t.Fatalf("expected default interval of 1m, got %v", s.interval)
	}
}
