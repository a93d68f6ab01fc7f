package tokens

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// DefaultAuthorizationCodeLifetime applies to clients without a configured lifetime
const DefaultAuthorizationCodeLifetime = 5 * time.Minute

// CodeRequest holds everything bound to a new authorization code
type CodeRequest struct {
	Client              *storage.Client
	Claims              storage.EssentialClaims
	Scopes              []string
	OriginalRedirectURI string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	State               string
	Issuer              string
	IssuedAt            time.Time
}

// CodeService creates and redeems authorization codes
type CodeService struct {
	store storage.AuthorizationCodeStore
}

// NewCodeService creates a CodeService
func NewCodeService(store storage.AuthorizationCodeStore) *CodeService {
	return &CodeService{store: store}
}

// Create stores a new code. The returned record carries the handle, issue and expiry time.
func (s *CodeService) Create(ctx context.Context, req CodeRequest) (*storage.AuthorizationCode, error) {
	handle, err := security.GenerateHandle()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	lifetime := req.Client.AuthorizationCodeLifetime
	if lifetime <= 0 {
		lifetime = DefaultAuthorizationCodeLifetime
	}

	code := &storage.AuthorizationCode{
		Handle:              handle,
		ClientID:            req.Client.ClientID,
		Claims:              req.Claims,
		Scopes:              slices.Clone(req.Scopes),
		OriginalRedirectURI: req.OriginalRedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		State:               req.State,
		Issuer:              req.Issuer,
		IssuedAt:            req.IssuedAt,
		ExpiresAt:           req.IssuedAt.Add(lifetime),
	}
	if err := s.store.CreateAuthorizationCode(ctx, code); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}
	return code, nil
}

// Consume finds and deletes a code in one step. Unknown, expired and already redeemed
// codes all yield storage.ErrNotFound.
func (s *CodeService) Consume(ctx context.Context, handle string) (*storage.AuthorizationCode, error) {
	return s.store.ConsumeAuthorizationCode(ctx, handle)
}

// Delete removes a code
func (s *CodeService) Delete(ctx context.Context, handle string) error {
	return s.store.DeleteAuthorizationCode(ctx, handle)
}
