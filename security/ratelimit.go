package security

import (
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Rate limiter defaults
const (
	DefaultRateLimitMaxEntries  = 10000
	DefaultRateLimitIdleTimeout = 30 * time.Minute
)

// RateLimiterConfig configures a RateLimiter
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate per identifier
	RequestsPerSecond float64
	// Burst is the bucket size per identifier
	Burst int
	// MaxEntries bounds the number of tracked identifiers. Default: 10000
	MaxEntries int
	// IdleTimeout drops the bucket of an identifier without requests. Default: 30m
	IdleTimeout time.Duration
}

// RateLimiter keeps a token bucket per identifier, usually the client IP. Buckets expire
// after IdleTimeout without use, which bounds memory under address churn.
type RateLimiter struct {
	mu         sync.Mutex
	buckets    *gocache.Cache
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger
	now        func() time.Time

	rejectedFull int64
}

// NewRateLimiter creates a RateLimiter
func NewRateLimiter(cfg RateLimiterConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultRateLimitMaxEntries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultRateLimitIdleTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		buckets:    gocache.New(cfg.IdleTimeout, cfg.IdleTimeout/2),
		limit:      rate.Limit(cfg.RequestsPerSecond),
		burst:      cfg.Burst,
		maxEntries: cfg.MaxEntries,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock replaces the clock used for token refills
func (rl *RateLimiter) SetClock(now func() time.Time) {
	if now != nil {
		rl.now = now
	}
}

// Allow reports whether a request from identifier may proceed. When the tracker is full,
// requests from new identifiers are refused until buckets expire.
func (rl *RateLimiter) Allow(identifier string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var limiter *rate.Limiter
	if v, ok := rl.buckets.Get(identifier); ok {
		limiter = v.(*rate.Limiter)
	} else {
		if rl.buckets.ItemCount() >= rl.maxEntries {
			rl.buckets.DeleteExpired()
			if rl.buckets.ItemCount() >= rl.maxEntries {
				rl.rejectedFull++
				rl.logger.Warn("Rate limiter full, refusing new identifier",
					"max_entries", rl.maxEntries,
					"rejected", rl.rejectedFull)
				return false
			}
		}
		limiter = rate.NewLimiter(rl.limit, rl.burst)
	}

	// Refresh the idle expiry on every request
	rl.buckets.SetDefault(identifier, limiter)
	return limiter.AllowN(rl.now(), 1)
}

// Stats holds rate limiter statistics for monitoring
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	// RejectedFull counts requests refused because the tracker was full
	RejectedFull int64
	// MemoryPressure is the percentage of MaxEntries in use
	MemoryPressure float64
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	current := rl.buckets.ItemCount()
	return Stats{
		CurrentEntries: current,
		MaxEntries:     rl.maxEntries,
		RejectedFull:   rl.rejectedFull,
		MemoryPressure: float64(current) / float64(rl.maxEntries) * 100.0,
	}
}
