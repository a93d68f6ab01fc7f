package security

import (
	"context"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type requestIDContextKey struct{}

// RequestIDHeader carries the request id in requests and responses
const RequestIDHeader = "X-Request-ID"

// Upstream ids are accepted only in this shape, which rules out header injection
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// WithRequestID returns ctx carrying requestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext returns the request id stored in ctx, or ""
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

// RequestIDMiddleware propagates a valid upstream X-Request-ID or assigns a new one, and
// echoes it in the response
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !requestIDPattern.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

// SetSecurityHeaders sets the headers every authorization server response carries. HSTS
// is only sent when the issuer is served over https.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")
	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetNoStore marks a response as uncacheable (RFC 6749 section 5.1)
func SetNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// ClientIPResolver extracts the client address of a request
type ClientIPResolver struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP. Only enable behind a reverse proxy.
	TrustProxy bool
	// TrustedProxyCount is the number of proxies appending to X-Forwarded-For. Default: 1
	TrustedProxyCount int
}

// ClientIP returns the client address of r. With TrustProxy the address is taken from
// X-Forwarded-For, skipping the entries appended by trusted proxies, then X-Real-IP.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := c.fromForwardedFor(r.Header.Get("X-Forwarded-For")); ip != "" {
			return ip
		}
		if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
			return addr.String()
		}
	}
	if ap, err := netip.ParseAddrPort(r.RemoteAddr); err == nil {
		return ap.Addr().String()
	}
	return r.RemoteAddr
}

func (c ClientIPResolver) fromForwardedFor(xff string) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	proxies := c.TrustedProxyCount
	if proxies <= 0 {
		proxies = 1
	}
	idx := max(len(hops)-proxies-1, 0)
	addr, err := netip.ParseAddr(strings.TrimSpace(hops[idx]))
	if err != nil {
		return ""
	}
	return addr.String()
}
