// Package scopes resolves requested scope names against the configured scopes and
// resources and checks them against what a client may request.
package scopes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/storage"
)

// ErrMisconfigured is wrapped by errors caused by an inconsistent resource catalog. These
// are not protocol errors: the request was fine but the server cannot serve it.
var ErrMisconfigured = errors.New("scope configuration error")

// Resources is the validated, resolved form of a set of requested scopes
type Resources struct {
	// IdentityScopes are the requested id_token scopes, in request order
	IdentityScopes []storage.Scope
	// APIScopes are the requested access_token scopes, in request order
	APIScopes []storage.Scope
	// APIResources expose at least one of APIScopes
	APIResources []storage.Resource
	// OfflineAccess is true when offline_access was requested
	OfflineAccess bool

	names []string
}

// ScopeNames returns every resolved scope name in request order, offline_access included
func (r *Resources) ScopeNames() []string {
	if r == nil {
		return nil
	}
	return slices.Clone(r.names)
}

// Has reports whether the named scope was resolved
func (r *Resources) Has(name string) bool {
	return r != nil && slices.Contains(r.names, name)
}

// IsOpenID reports whether openid was requested
func (r *Resources) IsOpenID() bool {
	return r.Has(protocol.ScopeOpenID)
}

// AudienceNames returns the names of the API resources, used as access token audience
func (r *Resources) AudienceNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.APIResources))
	for _, res := range r.APIResources {
		names = append(names, res.Name)
	}
	return names
}

// UserClaimTypes returns the union of the claim types of the identity scopes
func (r *Resources) UserClaimTypes() []string {
	if r == nil {
		return nil
	}
	var claims []string
	for _, s := range r.IdentityScopes {
		for _, c := range s.UserClaimTypes {
			if !slices.Contains(claims, c) {
				claims = append(claims, c)
			}
		}
	}
	return claims
}

// RequiredScopeNames returns the names of scopes flagged as required. A consent can never
// drop them.
func (r *Resources) RequiredScopeNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	for _, s := range slices.Concat(r.IdentityScopes, r.APIScopes) {
		if s.Required {
			names = append(names, s.Name)
		}
	}
	return names
}

// Narrow returns the resources restricted to the names in allowed. The result is always a
// subset of r. Resources that no longer expose a kept scope are dropped.
func (r *Resources) Narrow(allowed []string) *Resources {
	if r == nil {
		return nil
	}
	out := &Resources{}
	for _, name := range r.names {
		if slices.Contains(allowed, name) {
			out.names = append(out.names, name)
		}
	}
	out.OfflineAccess = r.OfflineAccess && slices.Contains(allowed, protocol.ScopeOfflineAccess)
	for _, s := range r.IdentityScopes {
		if slices.Contains(allowed, s.Name) {
			out.IdentityScopes = append(out.IdentityScopes, s)
		}
	}
	for _, s := range r.APIScopes {
		if slices.Contains(allowed, s.Name) {
			out.APIScopes = append(out.APIScopes, s)
		}
	}
	for _, res := range r.APIResources {
		if slices.ContainsFunc(res.AccessTokenScopes, func(name string) bool { return slices.Contains(out.names, name) }) {
			out.APIResources = append(out.APIResources, res)
		}
	}
	return out
}

// Validator resolves scopes through a storage.ResourceCatalog
type Validator struct {
	catalog storage.ResourceCatalog
	logger  *slog.Logger
}

// NewValidator creates a Validator. A nil logger falls back to slog.Default().
func NewValidator(catalog storage.ResourceCatalog, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{catalog: catalog, logger: logger}
}

// Validate resolves requested for client. Unknown scopes, scopes the client may not
// request, identity scopes without openid, and offline_access for a client without the
// refresh_token grant fail with invalid_scope. A catalog that cannot serve a known scope
// fails with an error wrapping ErrMisconfigured.
func (v *Validator) Validate(ctx context.Context, client *storage.Client, requested []string) (*Resources, error) {
	if len(requested) == 0 {
		return nil, protocol.InvalidScope("scope is required")
	}

	for _, name := range requested {
		if !client.AllowsScope(name) {
			return nil, protocol.InvalidScope(fmt.Sprintf("client is not allowed to request scope %q", name))
		}
	}

	scopes, resources, err := v.catalog.FindScopesAndResources(ctx, requested)
	if err != nil {
		return nil, fmt.Errorf("failed to load scopes: %w", err)
	}

	result := &Resources{}
	for _, name := range requested {
		if name == protocol.ScopeOfflineAccess {
			if !client.AllowsGrantType(protocol.GrantTypeRefreshToken) {
				return nil, protocol.InvalidScope("offline_access requires the refresh_token grant")
			}
			result.OfflineAccess = true
			result.names = append(result.names, name)
			continue
		}

		idx := slices.IndexFunc(scopes, func(s storage.Scope) bool { return s.Name == name })
		if idx < 0 {
			return nil, protocol.InvalidScope(fmt.Sprintf("unknown scope %q", name))
		}
		scope := scopes[idx]

		switch scope.TokenType {
		case protocol.TokenTypeIDToken:
			result.IdentityScopes = append(result.IdentityScopes, scope)
		case protocol.TokenTypeAccessToken:
			exposing := slices.IndexFunc(resources, func(r storage.Resource) bool {
				return slices.Contains(r.AccessTokenScopes, name)
			})
			if exposing < 0 {
				v.logger.Error("Scope is not exposed by any resource", "scope", name)
				return nil, fmt.Errorf("%w: scope %q is not exposed by any resource", ErrMisconfigured, name)
			}
			result.APIScopes = append(result.APIScopes, scope)
		default:
			v.logger.Error("Scope has unsupported token type", "scope", name, "token_type", scope.TokenType)
			return nil, fmt.Errorf("%w: scope %q has token type %q", ErrMisconfigured, name, scope.TokenType)
		}
		result.names = append(result.names, name)
	}

	if len(result.IdentityScopes) > 0 && !result.IsOpenID() {
		return nil, protocol.InvalidScope("identity scopes require the openid scope")
	}

	for _, res := range resources {
		if slices.ContainsFunc(res.AccessTokenScopes, func(name string) bool {
			return slices.ContainsFunc(result.APIScopes, func(s storage.Scope) bool { return s.Name == name })
		}) {
			result.APIResources = append(result.APIResources, res)
		}
	}

	return result, nil
}
