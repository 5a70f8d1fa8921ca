package timelock

import (
	"context"
	"log/slog"
	"time"
)

// Target is the subset of the engine the sweeper drives.
type Target interface {
	// SweepExpired transitions every non-terminal proposal past its
	// deadline to expired and returns how many were swept. It must be
	// idempotent: sweeping an already-terminal proposal is a no-op.
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper periodically expires stale proposals. It is a cooperative
// background task: it tolerates irregular invocation and an arbitrary
// delay between the TTL boundary and the next tick, because the engine
// also checks expiry lazily on every access.
type Sweeper struct {
	target   Target
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper driving target every interval.
func NewSweeper(target Target, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		target:   target,
		interval: interval,
		logger:   slog.Default().With("component", "timelock.sweeper"),
	}
}

// Run blocks, sweeping on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.target.SweepExpired(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.InfoContext(ctx, "expired stale proposals", "count", n)
			}
		}
	}
}
