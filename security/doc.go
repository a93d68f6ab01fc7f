// Package security holds the cryptographic and HTTP hardening primitives of the
// authorization server: secret hashing, PKCE verification, random handle generation,
// encryption of stored records, rate limiting, client IP resolution and audit logging.
//
// # Rate Limiting
//
// RateLimiter keeps one token bucket per identifier (usually the client IP). Buckets
// live in an expiring cache and disappear after IdleTimeout without traffic. When
// MaxEntries identifiers are tracked, expired buckets are purged and, if the cache is
// still full, requests from new identifiers are refused until room frees up.
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{
//	    RequestsPerSecond: 10,
//	    Burst:             20,
//	}, logger)
//
//	if !limiter.Allow(ip) {
//	    return http.StatusTooManyRequests
//	}
//
// GetStats reports the tracked entry count, the number of refusals caused by a full
// cache and the memory pressure as a percentage of MaxEntries.
//
// # Audit
//
// Auditor writes security events as structured log records. Subject identifiers are
// hashed before they are logged.
package security
