package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/scopes"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// DefaultAccessTokenLifetime applies to clients without a configured lifetime
const DefaultAccessTokenLifetime = time.Hour

// reservedClaims cannot be overridden by profile claims
var reservedClaims = []string{"iss", "sub", "aud", "exp", "iat", "nbf", "jti", "client_id", "scope", "auth_time", "sid", "nonce", "at_hash", "c_hash"}

// AccessTokenRequest describes a validated grant to issue an access token for
type AccessTokenRequest struct {
	Client    *storage.Client
	Resources *scopes.Resources
	// Claims is nil for grants without a resource owner
	Claims   *storage.EssentialClaims
	Issuer   string
	IssuedAt time.Time
}

// AccessToken is an issued access token
type AccessToken struct {
	// Token is the value returned to the client
	Token string
	// Handle is the reference handle or the JWT id
	Handle    string
	Format    string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiresIn returns the lifetime in whole seconds
func (t *AccessToken) ExpiresIn() int64 {
	return int64(t.ExpiresAt.Sub(t.IssuedAt) / time.Second)
}

// AccessTokenService issues JWT and reference access tokens
type AccessTokenService struct {
	store    storage.AccessTokenStore
	signer   signer
	profiles identity.ProfileService
	logger   *slog.Logger
}

// NewAccessTokenService creates an AccessTokenService. profiles may be nil, in which case
// no profile claims are added to JWT access tokens. A nil logger falls back to
// slog.Default().
func NewAccessTokenService(store storage.AccessTokenStore, keyStore keys.Store, profiles identity.ProfileService, logger *slog.Logger) *AccessTokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessTokenService{store: store, signer: signer{keys: keyStore}, profiles: profiles, logger: logger}
}

// Create issues an access token in the client's configured format
func (s *AccessTokenService) Create(ctx context.Context, req AccessTokenRequest) (*AccessToken, error) {
	lifetime := req.Client.AccessTokenLifetime
	if lifetime <= 0 {
		lifetime = DefaultAccessTokenLifetime
	}
	token := &AccessToken{
		Format:    req.Client.AccessTokenFormat,
		Scopes:    req.Resources.ScopeNames(),
		IssuedAt:  req.IssuedAt,
		ExpiresAt: req.IssuedAt.Add(lifetime),
	}

	var err error
	switch req.Client.AccessTokenFormat {
	case storage.AccessTokenFormatReference:
		err = s.createReference(ctx, req, token)
	case storage.AccessTokenFormatJWT, "":
		token.Format = storage.AccessTokenFormatJWT
		err = s.createJWT(ctx, req, token)
	default:
		err = fmt.Errorf("client %s has unknown access token format %q", req.Client.ClientID, req.Client.AccessTokenFormat)
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

func (s *AccessTokenService) createReference(ctx context.Context, req AccessTokenRequest, token *AccessToken) error {
	handle, err := security.GenerateHandle()
	if err != nil {
		return fmt.Errorf("failed to generate access token: %w", err)
	}

	record := &storage.AccessToken{
		Handle:    handle,
		ClientID:  req.Client.ClientID,
		Scopes:    token.Scopes,
		Issuer:    req.Issuer,
		IssuedAt:  token.IssuedAt,
		ExpiresAt: token.ExpiresAt,
	}
	if req.Claims != nil {
		claims := *req.Claims
		record.Claims = &claims
	}
	if err := s.store.CreateAccessToken(ctx, record); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}

	token.Token = handle
	token.Handle = handle
	return nil
}

func (s *AccessTokenService) createJWT(ctx context.Context, req AccessTokenRequest, token *AccessToken) error {
	cred, err := s.signer.credential(ctx, req.Client.AccessTokenSigningAlgorithms)
	if err != nil {
		return err
	}

	jti := uuid.NewString()
	claims := jwtv5.MapClaims{
		"iss":       req.Issuer,
		"iat":       token.IssuedAt.Unix(),
		"nbf":       token.IssuedAt.Unix(),
		"exp":       token.ExpiresAt.Unix(),
		"jti":       jti,
		"client_id": req.Client.ClientID,
		"scope":     strings.Join(token.Scopes, " "),
	}
	if aud := req.Resources.AudienceNames(); len(aud) == 1 {
		claims["aud"] = aud[0]
	} else if len(aud) > 1 {
		claims["aud"] = aud
	}

	if req.Claims == nil {
		// Client credentials: the client is the subject
		claims["sub"] = req.Client.ClientID
	} else {
		claims["sub"] = req.Claims.SubjectID
		claims["sid"] = req.Claims.SessionID
		claims["auth_time"] = req.Claims.AuthenticatedAt.Unix()

		extra, err := s.profileClaims(ctx, req)
		if err != nil {
			return err
		}
		for name, value := range extra {
			if !slices.Contains(reservedClaims, name) {
				claims[name] = value
			}
		}
	}

	signed, err := s.signer.sign(cred, typeAccessToken, claims)
	if err != nil {
		return err
	}
	token.Token = signed
	token.Handle = jti
	return nil
}

// profileClaims returns the profile claims requested by the API scopes of req
func (s *AccessTokenService) profileClaims(ctx context.Context, req AccessTokenRequest) (map[string]any, error) {
	if s.profiles == nil || req.Resources == nil {
		return nil, nil
	}
	var claimTypes []string
	for _, scope := range req.Resources.APIScopes {
		claimTypes = append(claimTypes, scope.UserClaimTypes...)
	}
	if len(claimTypes) == 0 {
		return nil, nil
	}

	profile, err := s.profiles.FindProfile(ctx, req.Claims.SubjectID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("No profile for access token subject", "client_id", req.Client.ClientID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return profile.ClaimsFor(claimTypes), nil
}
