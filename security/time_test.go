package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"expired 10 minutes ago", now.Add(-10 * time.Minute), true},
		{"expires now", now, true},
		{"expires in 1 second", now.Add(time.Second), false},
		{"zero time (never expires)", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt, now); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiredWithGracePeriod(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt time.Time
		grace     time.Duration
		want      bool
	}{
		{"expired 1 second ago (within grace period)", now.Add(-time.Second), DefaultClockSkewGracePeriod, false},
		{"expired 10 seconds ago (beyond grace period)", now.Add(-10 * time.Second), DefaultClockSkewGracePeriod, true},
		{"no grace period", now.Add(-time.Millisecond), 0, true},
		{"zero time (never expires)", time.Time{}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpiredWithGracePeriod(tt.expiresAt, now, tt.grace); got != tt.want {
				t.Errorf("IsExpiredWithGracePeriod() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEarliestOf(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := a.Add(time.Hour)

	if got := EarliestOf(b, time.Time{}, a); !got.Equal(a) {
		t.Errorf("EarliestOf() = %v, want %v", got, a)
	}
	if got := EarliestOf(time.Time{}, time.Time{}); !got.IsZero() {
		t.Errorf("EarliestOf(zero, zero) = %v, want zero", got)
	}
}
