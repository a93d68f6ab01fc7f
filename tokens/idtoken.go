package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/scopes"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// DefaultIDTokenLifetime applies to clients without a configured lifetime
const DefaultIDTokenLifetime = 5 * time.Minute

// IDTokenRequest describes an ID token
type IDTokenRequest struct {
	Client    *storage.Client
	Claims    storage.EssentialClaims
	Resources *scopes.Resources
	Nonce     string
	Issuer    string
	IssuedAt  time.Time

	// AccessToken and Code, when set, are bound through at_hash and c_hash
	AccessToken string
	Code        string
}

// IDTokenService builds signed OpenID Connect ID tokens
type IDTokenService struct {
	signer   signer
	profiles identity.ProfileService
	logger   *slog.Logger
}

// NewIDTokenService creates an IDTokenService. A nil logger falls back to slog.Default().
func NewIDTokenService(keyStore keys.Store, profiles identity.ProfileService, logger *slog.Logger) *IDTokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &IDTokenService{signer: signer{keys: keyStore}, profiles: profiles, logger: logger}
}

// Create returns a signed ID token
func (s *IDTokenService) Create(ctx context.Context, req IDTokenRequest) (string, error) {
	cred, err := s.signer.credential(ctx, req.Client.IDTokenSigningAlgorithms)
	if err != nil {
		return "", err
	}

	lifetime := req.Client.IDTokenLifetime
	if lifetime <= 0 {
		lifetime = DefaultIDTokenLifetime
	}

	// Profile claims of the requested identity scopes, only for clients that ask for them
	claims := jwtv5.MapClaims{}
	if req.Client.AlwaysIncludeUserClaimsInIDToken {
		profileClaims, err := s.profileClaims(ctx, req)
		if err != nil {
			return "", err
		}
		for name, value := range profileClaims {
			if !slices.Contains(reservedClaims, name) {
				claims[name] = value
			}
		}
	}

	claims["iss"] = req.Issuer
	claims["sub"] = req.Claims.SubjectID
	claims["aud"] = req.Client.ClientID
	claims["iat"] = req.IssuedAt.Unix()
	claims["exp"] = req.IssuedAt.Add(lifetime).Unix()
	claims["auth_time"] = req.Claims.AuthenticatedAt.Unix()
	if req.Claims.SessionID != "" {
		claims["sid"] = req.Claims.SessionID
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.AccessToken != "" {
		atHash, err := security.LeftMostHash(req.AccessToken, cred.Algorithm)
		if err != nil {
			return "", err
		}
		claims["at_hash"] = atHash
	}
	if req.Code != "" {
		cHash, err := security.LeftMostHash(req.Code, cred.Algorithm)
		if err != nil {
			return "", err
		}
		claims["c_hash"] = cHash
	}

	return s.signer.sign(cred, typeJWT, claims)
}

func (s *IDTokenService) profileClaims(ctx context.Context, req IDTokenRequest) (map[string]any, error) {
	if s.profiles == nil {
		return nil, nil
	}
	profile, err := s.profiles.FindProfile(ctx, req.Claims.SubjectID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("No profile for ID token subject", "client_id", req.Client.ClientID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	return profile.ClaimsFor(req.Resources.UserClaimTypes()), nil
}
