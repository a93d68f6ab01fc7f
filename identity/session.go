package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-server/storage"
)

const (
	// DefaultSessionCookieName is the cookie holding the signed session
	DefaultSessionCookieName = "oidc_session"

	// DefaultSessionLifetime bounds a login session
	DefaultSessionLifetime = 8 * time.Hour

	minSessionKeyLength = 32
)

// SessionCookieConfig configures SessionCookieAuthenticator
type SessionCookieConfig struct {
	// Key signs the session cookie with HMAC-SHA256. Must be at least 32 bytes.
	Key []byte

	// CookieName defaults to DefaultSessionCookieName
	CookieName string

	// Lifetime defaults to DefaultSessionLifetime
	Lifetime time.Duration

	// Issuer is written to and required in the session token
	Issuer string

	// Insecure drops the Secure cookie attribute (plain http development setups)
	Insecure bool
}

// sessionClaims are the claims of the session token
type sessionClaims struct {
	jwtv5.RegisteredClaims
	SessionID string `json:"sid"`
	AuthTime  int64  `json:"auth_time"`
}

// SessionCookieAuthenticator authenticates resource owners from an HS256 signed session
// cookie. The login UI calls IssueCookie after it has verified the user's credentials.
type SessionCookieAuthenticator struct {
	config SessionCookieConfig
	logger *slog.Logger
	now    func() time.Time
}

var _ Authenticator = (*SessionCookieAuthenticator)(nil)

// NewSessionCookieAuthenticator creates an authenticator. A nil logger falls back to
// slog.Default().
func NewSessionCookieAuthenticator(config SessionCookieConfig, logger *slog.Logger) (*SessionCookieAuthenticator, error) {
	if len(config.Key) < minSessionKeyLength {
		return nil, fmt.Errorf("session key must be at least %d bytes, got %d", minSessionKeyLength, len(config.Key))
	}
	if config.CookieName == "" {
		config.CookieName = DefaultSessionCookieName
	}
	if config.Lifetime <= 0 {
		config.Lifetime = DefaultSessionLifetime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionCookieAuthenticator{config: config, logger: logger, now: time.Now}, nil
}

// SetClock replaces the clock used for issuing and verifying sessions
func (a *SessionCookieAuthenticator) SetClock(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// Authenticate implements Authenticator. A missing, expired or tampered cookie yields an
// anonymous request.
func (a *SessionCookieAuthenticator) Authenticate(r *http.Request) (*storage.EssentialClaims, error) {
	cookie, err := r.Cookie(a.config.CookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	claims, err := a.parse(cookie.Value)
	if err != nil {
		a.logger.Debug("Ignoring invalid session cookie", "error", err)
		return nil, nil
	}

	return &storage.EssentialClaims{
		SubjectID:       claims.Subject,
		SessionID:       claims.SessionID,
		AuthenticatedAt: time.Unix(claims.AuthTime, 0).UTC(),
	}, nil
}

func (a *SessionCookieAuthenticator) parse(value string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	opts := []jwtv5.ParserOption{
		jwtv5.WithValidMethods([]string{jwtv5.SigningMethodHS256.Alg()}),
		jwtv5.WithTimeFunc(a.now),
		jwtv5.WithExpirationRequired(),
	}
	if a.config.Issuer != "" {
		opts = append(opts, jwtv5.WithIssuer(a.config.Issuer))
	}

	_, err := jwtv5.ParseWithClaims(value, claims, func(*jwtv5.Token) (any, error) {
		return a.config.Key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return nil, errors.New("session token is missing sub or sid")
	}
	return claims, nil
}

// IssueCookie writes a session cookie for the authenticated resource owner
func (a *SessionCookieAuthenticator) IssueCookie(w http.ResponseWriter, claims storage.EssentialClaims) error {
	if claims.SubjectID == "" || claims.SessionID == "" {
		return errors.New("session requires a subject and a session id")
	}

	now := a.now()
	authTime := claims.AuthenticatedAt
	if authTime.IsZero() {
		authTime = now
	}
	expiresAt := now.Add(a.config.Lifetime)

	token := jwtv5.NewWithClaims(jwtv5.SigningMethodHS256, sessionClaims{
		RegisteredClaims: jwtv5.RegisteredClaims{
			Issuer:    a.config.Issuer,
			Subject:   claims.SubjectID,
			IssuedAt:  jwtv5.NewNumericDate(now),
			ExpiresAt: jwtv5.NewNumericDate(expiresAt),
		},
		SessionID: claims.SessionID,
		AuthTime:  authTime.Unix(),
	})
	signed, err := token.SignedString(a.config.Key)
	if err != nil {
		return fmt.Errorf("failed to sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     a.config.CookieName,
		Value:    signed,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   !a.config.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie removes the session cookie
func (a *SessionCookieAuthenticator) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.config.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   !a.config.Insecure,
		SameSite: http.SameSiteLaxMode,
	})
}
