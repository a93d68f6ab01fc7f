// Package tokenrequest authenticates clients at the token endpoint and validates the
// grant-specific parameters of token requests.
//
// Authorization codes are consumed before any other check, so a code presented with a
// wrong verifier or redirect URI is burnt just like a redeemed one.
package tokenrequest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/scopes"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/syntax"
)

// Grant is one of AuthorizationCodeGrant, ClientCredentialsGrant or RefreshTokenGrant
type Grant interface {
	grantType() string
}

// AuthorizationCodeGrant carries the redeemed code
type AuthorizationCodeGrant struct {
	Code *storage.AuthorizationCode
}

// ClientCredentialsGrant has no resource owner
type ClientCredentialsGrant struct{}

// RefreshTokenGrant carries the presented refresh token
type RefreshTokenGrant struct {
	Token *storage.RefreshToken
}

func (AuthorizationCodeGrant) grantType() string { return protocol.GrantTypeAuthorizationCode }
func (ClientCredentialsGrant) grantType() string { return protocol.GrantTypeClientCredentials }
func (RefreshTokenGrant) grantType() string      { return protocol.GrantTypeRefreshToken }

// ValidRequest is a validated token request
type ValidRequest struct {
	GrantType  string
	Client     *storage.Client
	AuthMethod string
	Resources  *scopes.Resources
	// Claims identify the resource owner; nil for client credentials
	Claims *storage.EssentialClaims
	Grant  Grant
	Issuer string
	Now    time.Time
}

// Validator validates token requests of authenticated clients
type Validator struct {
	codes           storage.AuthorizationCodeStore
	refreshTokens   storage.RefreshTokenStore
	grantedConsents storage.GrantedConsentStore
	scopes          *scopes.Validator
	profiles        identity.ProfileService
	logger          *slog.Logger
}

// Config holds the collaborators of a Validator
type Config struct {
	Codes           storage.AuthorizationCodeStore
	RefreshTokens   storage.RefreshTokenStore
	GrantedConsents storage.GrantedConsentStore
	Scopes          *scopes.Validator
	Profiles        identity.ProfileService
	Logger          *slog.Logger
}

// NewValidator creates a Validator
func NewValidator(cfg Config) *Validator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		codes:           cfg.Codes,
		refreshTokens:   cfg.RefreshTokens,
		grantedConsents: cfg.GrantedConsents,
		scopes:          cfg.Scopes,
		profiles:        cfg.Profiles,
		logger:          logger,
	}
}

// Validate validates form for client. Protocol failures are *Error; anything else is an
// infrastructure failure. Run it inside the request transaction: a consumed code stays
// consumed even when the transaction rolls back.
func (v *Validator) Validate(ctx context.Context, form url.Values, client *AuthenticatedClient, issuer string, now time.Time) (*ValidRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := syntax.Single(form, protocol.ParamGrantType, protocol.MaxGrantTypeLength)
	grantType, ok := r.Get()
	if r.Err() != nil || !ok {
		return nil, reject(ReasonGrantType, protocol.UnsupportedGrantType("grant_type is missing or repeated"))
	}
	if !slices.Contains(protocol.GrantTypes(), grantType) {
		return nil, reject(ReasonGrantType, protocol.UnsupportedGrantType(fmt.Sprintf("grant type %q is not supported", grantType)))
	}
	if !client.Client.AllowsGrantType(grantType) {
		return nil, reject(ReasonGrantType, protocol.UnauthorizedClient("client is not allowed to use this grant type"))
	}

	req := &ValidRequest{
		GrantType:  grantType,
		Client:     client.Client,
		AuthMethod: client.Method,
		Issuer:     issuer,
		Now:        now,
	}

	var err error
	switch grantType {
	case protocol.GrantTypeAuthorizationCode:
		err = v.validateAuthorizationCode(ctx, form, req)
	case protocol.GrantTypeClientCredentials:
		err = v.validateClientCredentials(ctx, form, req)
	case protocol.GrantTypeRefreshToken:
		err = v.validateRefreshToken(ctx, form, req)
	}
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) {
			v.logger.Debug("Token request rejected",
				"client_id", req.Client.ClientID,
				"grant_type", grantType,
				"error", terr.Protocol.Code,
				"reason", terr.Reason)
		}
		return nil, err
	}
	return req, nil
}

func (v *Validator) validateAuthorizationCode(ctx context.Context, form url.Values, req *ValidRequest) error {
	r := syntax.Single(form, protocol.ParamCode, protocol.MaxCodeLength)
	if r.Err() != nil {
		return reject(ReasonMalformed, protocol.InvalidRequest("code must appear once"))
	}
	handle, ok := r.Get()
	if !ok {
		return reject(ReasonMalformed, protocol.InvalidRequest("code is required"))
	}
	if !syntax.IsVSChar(handle) {
		return reject(ReasonMalformed, protocol.InvalidGrant("malformed code"))
	}

	code, err := v.codes.ConsumeAuthorizationCode(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return reject(ReasonCodeNotFound, protocol.InvalidGrant("invalid authorization code"))
	}
	if err != nil {
		return fmt.Errorf("failed to consume authorization code: %w", err)
	}
	req.Grant = AuthorizationCodeGrant{Code: code}

	if code.ClientID != req.Client.ClientID {
		return reject(ReasonClientMismatch, protocol.InvalidGrant("invalid authorization code"))
	}
	if code.Issuer != "" && code.Issuer != req.Issuer {
		return reject(ReasonIssuerMismatch, protocol.InvalidGrant("invalid authorization code"))
	}

	if err := verifyPKCE(form, code); err != nil {
		return err
	}

	redirect := syntax.Single(form, protocol.ParamRedirectURI, protocol.MaxRedirectURILength)
	if redirect.Err() != nil {
		return reject(ReasonMalformed, protocol.InvalidRequest("redirect_uri must appear once"))
	}
	// An absent redirect_uri is only valid when the authorize request omitted it too
	if redirectURI := redirect.ValueOr(""); redirectURI != code.OriginalRedirectURI {
		return reject(ReasonRedirectURI, protocol.InvalidGrant("redirect_uri does not match the authorization request"))
	}

	resources, err := v.scopes.Validate(ctx, req.Client, code.Scopes)
	if err != nil {
		return scopeError(err, protocol.InvalidGrant)
	}
	if err := v.checkRememberedConsent(ctx, req.Client, code); err != nil {
		return err
	}
	if err := v.checkActive(ctx, code.Claims.SubjectID); err != nil {
		return err
	}

	claims := code.Claims
	req.Claims = &claims
	req.Resources = resources
	return nil
}

func verifyPKCE(form url.Values, code *storage.AuthorizationCode) error {
	fail := func(perr *protocol.Error) error {
		e := reject(ReasonPKCE, perr)
		e.PKCEMethod = code.CodeChallengeMethod
		return e
	}

	r := syntax.Single(form, protocol.ParamCodeVerifier, protocol.MaxCodeVerifierLength)
	if r.Err() != nil {
		return fail(protocol.InvalidGrant("invalid code_verifier"))
	}
	verifier, ok := r.Get()
	if !ok {
		return fail(protocol.InvalidRequest("code_verifier is required"))
	}
	if !syntax.IsCodeVerifier(verifier) {
		return fail(protocol.InvalidGrant("invalid code_verifier"))
	}
	if !security.VerifyCodeChallenge(verifier, code.CodeChallenge, code.CodeChallengeMethod) {
		return fail(protocol.InvalidGrant("code_verifier does not match the code challenge"))
	}
	return nil
}

// checkRememberedConsent rejects a code whose scopes are no longer covered by a remembered
// consent of a consent-requiring client. A consent given for this request only is bound to
// the code and needs no further check.
func (v *Validator) checkRememberedConsent(ctx context.Context, client *storage.Client, code *storage.AuthorizationCode) error {
	if !client.RequireConsent || !client.AllowRememberConsent || v.grantedConsents == nil {
		return nil
	}
	remembered, err := v.grantedConsents.FindGrantedConsent(ctx, code.Claims.SubjectID, client.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to find granted consent: %w", err)
	}
	for _, name := range code.Scopes {
		if !slices.Contains(remembered.Scopes, name) {
			return reject(ReasonConsent, protocol.InvalidGrant("consent no longer covers the granted scopes"))
		}
	}
	return nil
}

func (v *Validator) checkActive(ctx context.Context, subjectID string) error {
	active, err := identity.IsActive(ctx, v.profiles, subjectID)
	if err != nil {
		return fmt.Errorf("failed to check profile: %w", err)
	}
	if !active {
		return reject(ReasonInactiveSubject, protocol.InvalidGrant("resource owner is not active"))
	}
	return nil
}

func (v *Validator) validateClientCredentials(ctx context.Context, form url.Values, req *ValidRequest) error {
	if !req.Client.IsConfidential() || req.AuthMethod == protocol.AuthMethodNone {
		return reject(ReasonGrantType, protocol.UnauthorizedClient("client_credentials requires an authenticated confidential client"))
	}

	requested, err := requestedScopes(form)
	if err != nil {
		return err
	}
	if len(requested) == 0 {
		// Default to every API scope the client may request
		for _, name := range req.Client.AllowedScopes {
			if name != protocol.ScopeOpenID && name != protocol.ScopeOfflineAccess {
				requested = append(requested, name)
			}
		}
	}
	if slices.Contains(requested, protocol.ScopeOpenID) || slices.Contains(requested, protocol.ScopeOfflineAccess) {
		return reject(ReasonScope, protocol.InvalidScope("identity scopes are not available without a resource owner"))
	}

	resources, err := v.scopes.Validate(ctx, req.Client, requested)
	if err != nil {
		return scopeError(err, protocol.InvalidScope)
	}
	if len(resources.IdentityScopes) > 0 {
		return reject(ReasonScope, protocol.InvalidScope("identity scopes are not available without a resource owner"))
	}

	req.Resources = resources
	req.Grant = ClientCredentialsGrant{}
	return nil
}

func (v *Validator) validateRefreshToken(ctx context.Context, form url.Values, req *ValidRequest) error {
	r := syntax.Single(form, protocol.ParamRefreshToken, protocol.MaxRefreshTokenLength)
	if r.Err() != nil {
		return reject(ReasonMalformed, protocol.InvalidRequest("refresh_token must appear once"))
	}
	handle, ok := r.Get()
	if !ok {
		return reject(ReasonMalformed, protocol.InvalidRequest("refresh_token is required"))
	}
	if !syntax.IsVSChar(handle) {
		return reject(ReasonMalformed, protocol.InvalidGrant("malformed refresh_token"))
	}

	token, err := v.refreshTokens.FindRefreshToken(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return reject(ReasonRefreshNotFound, protocol.InvalidGrant("invalid refresh token"))
	}
	if err != nil {
		return fmt.Errorf("failed to find refresh token: %w", err)
	}
	if token.ClientID != req.Client.ClientID {
		return reject(ReasonClientMismatch, protocol.InvalidGrant("invalid refresh token"))
	}

	requested, err := requestedScopes(form)
	if err != nil {
		return err
	}
	if len(requested) == 0 {
		requested = token.Scopes
	}
	for _, name := range requested {
		if !slices.Contains(token.Scopes, name) {
			return reject(ReasonScope, protocol.InvalidScope(fmt.Sprintf("scope %q was not granted", name)))
		}
	}

	resources, err := v.scopes.Validate(ctx, req.Client, requested)
	if err != nil {
		return scopeError(err, protocol.InvalidScope)
	}
	if err := v.checkActive(ctx, token.Claims.SubjectID); err != nil {
		return err
	}

	claims := token.Claims
	req.Claims = &claims
	req.Resources = resources
	req.Grant = RefreshTokenGrant{Token: token}
	return nil
}

func requestedScopes(form url.Values) ([]string, error) {
	r := syntax.Single(form, protocol.ParamScope, protocol.MaxScopeLength)
	if r.Err() != nil {
		return nil, reject(ReasonMalformed, protocol.InvalidScope("scope must appear once and be at most 300 characters"))
	}
	raw, ok := r.Get()
	if !ok {
		return nil, nil
	}
	names, err := syntax.ParseScope(raw)
	if err != nil {
		return nil, reject(ReasonScope, protocol.InvalidScope(err.Error()))
	}
	return names, nil
}

// scopeError maps a scope validation failure. Protocol errors become code with the original
// description; configuration errors stay infrastructure errors.
func scopeError(err error, code func(string) *protocol.Error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return reject(ReasonScope, code(perr.Description))
	}
	return err
}
