package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// Default refresh token lifetimes for clients without configured values
const (
	DefaultRefreshTokenAbsoluteLifetime = 30 * 24 * time.Hour
	DefaultRefreshTokenSlidingLifetime  = 15 * 24 * time.Hour
)

// ErrRefreshTokenUsed is returned when a rotated refresh token was redeemed concurrently
var ErrRefreshTokenUsed = errors.New("refresh token has already been used")

// RefreshTokenRequest describes a new refresh token
type RefreshTokenRequest struct {
	Client            *storage.Client
	Claims            storage.EssentialClaims
	Scopes            []string
	AccessTokenHandle string
	Issuer            string
	IssuedAt          time.Time
}

// RefreshTokenService issues, renews and rotates refresh tokens
type RefreshTokenService struct {
	store  storage.RefreshTokenStore
	logger *slog.Logger
}

// NewRefreshTokenService creates a RefreshTokenService. A nil logger falls back to
// slog.Default().
func NewRefreshTokenService(store storage.RefreshTokenStore, logger *slog.Logger) *RefreshTokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshTokenService{store: store, logger: logger}
}

// expirationMode returns the client's refresh token expiration, absolute when unset
func expirationMode(client *storage.Client) string {
	if client.RefreshTokenExpiration == "" {
		return storage.RefreshTokenExpirationAbsolute
	}
	return client.RefreshTokenExpiration
}

// lifetimes returns the client's absolute and sliding lifetimes with defaults applied.
// Every mode has an absolute ceiling.
func lifetimes(client *storage.Client) (absolute, sliding time.Duration) {
	absolute = client.RefreshTokenAbsoluteLifetime
	sliding = client.RefreshTokenSlidingLifetime
	if absolute <= 0 {
		absolute = DefaultRefreshTokenAbsoluteLifetime
	}
	if sliding <= 0 {
		sliding = DefaultRefreshTokenSlidingLifetime
	}
	return absolute, sliding
}

// InitialExpiration returns the (current, absolute) expiration of a token issued at
// issuedAt
func InitialExpiration(client *storage.Client, issuedAt time.Time) (expiresAt, absoluteExpiresAt time.Time) {
	absolute, sliding := lifetimes(client)
	absoluteExpiresAt = issuedAt.Add(absolute)

	switch expirationMode(client) {
	case storage.RefreshTokenExpirationSliding, storage.RefreshTokenExpirationHybrid:
		return security.EarliestOf(issuedAt.Add(sliding), absoluteExpiresAt), absoluteExpiresAt
	default:
		return absoluteExpiresAt, absoluteExpiresAt
	}
}

// RenewedExpiration returns the expiration of token after a use at now. Absolute tokens
// keep their expiration; sliding and hybrid tokens move forward, never past the absolute
// ceiling.
func RenewedExpiration(client *storage.Client, token *storage.RefreshToken, now time.Time) time.Time {
	switch expirationMode(client) {
	case storage.RefreshTokenExpirationSliding, storage.RefreshTokenExpirationHybrid:
		absolute, sliding := lifetimes(client)
		ceiling := token.AbsoluteExpiresAt
		if ceiling.IsZero() {
			ceiling = token.IssuedAt.Add(absolute)
		}
		return security.EarliestOf(now.Add(sliding), ceiling)
	default:
		return token.ExpiresAt
	}
}

// Create stores a new refresh token
func (s *RefreshTokenService) Create(ctx context.Context, req RefreshTokenRequest) (*storage.RefreshToken, error) {
	expiresAt, absoluteExpiresAt := InitialExpiration(req.Client, req.IssuedAt)
	return s.create(ctx, &storage.RefreshToken{
		ClientID:          req.Client.ClientID,
		Claims:            req.Claims,
		Scopes:            slices.Clone(req.Scopes),
		AccessTokenHandle: req.AccessTokenHandle,
		Issuer:            req.Issuer,
		IssuedAt:          req.IssuedAt,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: absoluteExpiresAt,
	})
}

func (s *RefreshTokenService) create(ctx context.Context, token *storage.RefreshToken) (*storage.RefreshToken, error) {
	handle, err := security.GenerateHandle()
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	token.Handle = handle
	if err := s.store.CreateRefreshToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}
	return token, nil
}

// Find returns a live refresh token
func (s *RefreshTokenService) Find(ctx context.Context, handle string) (*storage.RefreshToken, error) {
	return s.store.FindRefreshToken(ctx, handle)
}

// Use redeems token at now for a new access token. Clients that rotate get a new token
// linked to the consumed one through ParentHandle; the old handle stops working, so a
// replayed token from earlier in the chain fails. Other clients keep the same handle with a
// renewed expiration.
//
// The returned bool reports whether the token was rotated. ErrRefreshTokenUsed is returned
// when a concurrent request rotated the token first.
func (s *RefreshTokenService) Use(ctx context.Context, client *storage.Client, token *storage.RefreshToken, accessTokenHandle string, now time.Time) (*storage.RefreshToken, bool, error) {
	expiresAt := RenewedExpiration(client, token, now)

	if !client.RotateRefreshTokens {
		if !expiresAt.Equal(token.ExpiresAt) {
			if err := s.store.UpdateRefreshTokenExpiration(ctx, token.Handle, expiresAt); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return nil, false, ErrRefreshTokenUsed
				}
				return nil, false, fmt.Errorf("failed to renew refresh token: %w", err)
			}
		}
		renewed := *token
		renewed.ExpiresAt = expiresAt
		return &renewed, false, nil
	}

	if _, err := s.store.ConsumeRefreshToken(ctx, token.Handle); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("Refresh token consumed concurrently", "client_id", client.ClientID, "handle", util.SafeTruncate(token.Handle, 8))
			return nil, false, ErrRefreshTokenUsed
		}
		return nil, false, fmt.Errorf("failed to consume refresh token: %w", err)
	}

	// The absolute ceiling carries over so rotation never extends the grant
	rotated, err := s.create(ctx, &storage.RefreshToken{
		ClientID:          token.ClientID,
		Claims:            token.Claims,
		Scopes:            slices.Clone(token.Scopes),
		AccessTokenHandle: accessTokenHandle,
		ParentHandle:      token.Handle,
		Issuer:            token.Issuer,
		IssuedAt:          now,
		ExpiresAt:         expiresAt,
		AbsoluteExpiresAt: token.AbsoluteExpiresAt,
	})
	if err != nil {
		return nil, false, err
	}
	return rotated, true, nil
}
