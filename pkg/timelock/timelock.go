package timelock

import "time"

// DefaultTTL is the time a proposal may sit without full confirmation
// before it expires.
const DefaultTTL = 7 * 24 * time.Hour

// DefaultMaxTTL caps per-proposal TTL overrides. A caller must not be able
// to park a reservation indefinitely by requesting an enormous deadline.
const DefaultMaxTTL = 30 * 24 * time.Hour

// IsExpired reports whether a deadline has passed at now.
// The boundary instant itself is still live: expiry requires now > expiresAt.
func IsExpired(expiresAt, now time.Time) bool {
	return now.After(expiresAt)
}

// Remaining returns the time left before expiresAt, clamped at zero.
func Remaining(expiresAt, now time.Time) time.Duration {
	if IsExpired(expiresAt, now) {
		return 0
	}
	return expiresAt.Sub(now)
}
