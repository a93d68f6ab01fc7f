package oauth

import (
	"log/slog"
	"time"
)

// Default limits of the HTTP layer
const (
	// DefaultMaxFormBytes bounds the body of authorize and token requests
	DefaultMaxFormBytes = 64 << 10

	// DefaultTokenRate is the sustained token endpoint rate per client IP
	DefaultTokenRate = 10

	// DefaultTokenBurst is the token endpoint burst per client IP
	DefaultTokenBurst = 20

	// DefaultRetryAfter is advertised to rate limited clients
	DefaultRetryAfter = time.Minute
)

// Config holds the HTTP handler configuration
type Config struct {
	// RateLimit configures rate limiting of the token endpoint
	RateLimit RateLimitConfig

	// MaxFormBytes bounds request bodies.
	// Default: 64 KiB
	MaxFormBytes int64
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Disabled turns token endpoint rate limiting off.
	// WARNING: Leaves client secret guessing unthrottled.
	Disabled bool

	// Rate is requests per second allowed per IP.
	// Default: 10
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	// Default: 20
	Burst int

	// MaxEntries bounds the number of tracked IPs.
	// Default: 10000
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server.
	// Default: 1
	TrustedProxyCount int
}

func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config.MaxFormBytes <= 0 {
		config.MaxFormBytes = DefaultMaxFormBytes
	}
	if config.RateLimit.Rate <= 0 {
		config.RateLimit.Rate = DefaultTokenRate
	}
	if config.RateLimit.Burst <= 0 {
		config.RateLimit.Burst = DefaultTokenBurst
	}

	if config.RateLimit.Disabled {
		logger.Warn("⚠️  SECURITY WARNING: Token endpoint rate limiting is DISABLED",
			"risk", "Client secrets can be guessed without throttling",
			"recommendation", "Enable rate limiting outside of tests")
	}
	if config.RateLimit.TrustProxy {
		logger.Info("Trusting proxy headers for client IPs",
			"trusted_proxy_count", config.RateLimit.TrustedProxyCount)
	}
	return config
}
