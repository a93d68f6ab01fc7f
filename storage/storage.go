// Package storage defines the data model of the authorization server and the collaborator
// interfaces used to persist it.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown, expired and already consumed artifacts alike.
// Callers must not be able to tell these cases apart.
var ErrNotFound = errors.New("not found")

// ClientCatalog resolves registered clients.
type ClientCatalog interface {
	// FindEnabledClient returns the client or ErrNotFound if it is unknown or disabled
	FindEnabledClient(ctx context.Context, clientID string) (*Client, error)
}

// ResourceCatalog resolves configured scopes and resources.
type ResourceCatalog interface {
	// FindScopesAndResources returns the scopes named in scopeNames and every resource
	// exposing at least one of them. Unknown names are silently skipped.
	FindScopesAndResources(ctx context.Context, scopeNames []string) ([]Scope, []Resource, error)

	// FindDiscoveryResources returns the scopes shown in discovery whose token type is in
	// tokenTypes, and the union of their user claim types.
	FindDiscoveryResources(ctx context.Context, tokenTypes []string) ([]Scope, []string, error)
}

// AuthorizeRequestStore persists raw authorize requests across the login/consent redirect.
type AuthorizeRequestStore interface {
	CreateAuthorizeRequest(ctx context.Context, req *AuthorizeRequest) error
	FindAuthorizeRequest(ctx context.Context, id string) (*AuthorizeRequest, error)
	DeleteAuthorizeRequest(ctx context.Context, id string) error
}

// AuthorizeRequestErrorStore persists errors that cannot be delivered by redirect.
type AuthorizeRequestErrorStore interface {
	CreateAuthorizeRequestError(ctx context.Context, e *AuthorizeRequestError) error
	FindAuthorizeRequestError(ctx context.Context, id string) (*AuthorizeRequestError, error)
	DeleteAuthorizeRequestError(ctx context.Context, id string) error
}

// AuthorizeRequestConsentStore persists consent decisions keyed by authorize request and
// resource-owner identifiers. Granting replaces a previous denial and vice versa.
type AuthorizeRequestConsentStore interface {
	GrantAuthorizeRequestConsent(ctx context.Context, requestID string, ids Identifiers, granted ConsentGranted, createdAt, expiresAt time.Time) error
	DenyAuthorizeRequestConsent(ctx context.Context, requestID string, ids Identifiers, createdAt, expiresAt time.Time) error
	FindAuthorizeRequestConsent(ctx context.Context, requestID string, ids Identifiers) (*AuthorizeRequestConsent, error)
	DeleteAuthorizeRequestConsent(ctx context.Context, requestID string, ids Identifiers) error
}

// GrantedConsentStore persists remembered consents per (subject, client).
type GrantedConsentStore interface {
	UpsertGrantedConsent(ctx context.Context, consent *GrantedConsent) error
	FindGrantedConsent(ctx context.Context, subjectID, clientID string) (*GrantedConsent, error)
	DeleteGrantedConsent(ctx context.Context, subjectID, clientID string) error
}

// AuthorizationCodeStore persists authorization codes.
type AuthorizationCodeStore interface {
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	FindAuthorizationCode(ctx context.Context, handle string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically finds and deletes a code. Of two concurrent
	// calls for the same handle at most one succeeds; the other gets ErrNotFound.
	ConsumeAuthorizationCode(ctx context.Context, handle string) (*AuthorizationCode, error)

	DeleteAuthorizationCode(ctx context.Context, handle string) error
}

// AccessTokenStore persists reference access tokens.
type AccessTokenStore interface {
	CreateAccessToken(ctx context.Context, token *AccessToken) error
	FindAccessToken(ctx context.Context, handle string) (*AccessToken, error)
	DeleteAccessToken(ctx context.Context, handle string) error
}

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, token *RefreshToken) error
	FindRefreshToken(ctx context.Context, handle string) (*RefreshToken, error)

	// ConsumeRefreshToken atomically finds and deletes a refresh token during rotation
	ConsumeRefreshToken(ctx context.Context, handle string) (*RefreshToken, error)

	// UpdateRefreshTokenExpiration moves the sliding expiration of a token
	UpdateRefreshTokenExpiration(ctx context.Context, handle string, expiresAt time.Time) error

	DeleteRefreshToken(ctx context.Context, handle string) error
}

// Transactor runs fn inside a request-scoped transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Stores participate through the context passed to fn.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles every per-request store
type Store interface {
	AuthorizeRequestStore
	AuthorizeRequestErrorStore
	AuthorizeRequestConsentStore
	GrantedConsentStore
	AuthorizationCodeStore
	AccessTokenStore
	RefreshTokenStore
	Transactor
}

// NoTransaction is a Transactor that simply runs fn. Used by backends whose operations are
// individually atomic.
type NoTransaction struct{}

// WithinTransaction runs fn with ctx
func (NoTransaction) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
