package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the grace period applied when expired entries are
	// purged in the background, so a purge never races a lookup that is still valid on a
	// slightly slower clock.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired reports whether expiresAt has been reached at now. A zero expiresAt never expires.
func IsExpired(expiresAt, now time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// IsExpiredWithGracePeriod reports whether expiresAt lies more than gracePeriod before now
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// EarliestOf returns the earliest non-zero time, or zero if every argument is zero
func EarliestOf(times ...time.Time) time.Time {
	var earliest time.Time
	for _, t := range times {
		if t.IsZero() {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}
