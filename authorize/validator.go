// Package authorize validates authorize endpoint requests.
//
// Validation is an ordered, short-circuiting pipeline: client, redirect URI, state,
// response type and mode, scope, PKCE and finally the OpenID Connect parameters. Errors
// raised before the redirect URI is verified cannot be delivered by redirect; see
// Error.CanReturnErrorDirectly.
package authorize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/scopes"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/syntax"
)

// Validator validates raw authorize requests
type Validator struct {
	clients storage.ClientCatalog
	scopes  *scopes.Validator
	logger  *slog.Logger
}

// NewValidator creates a Validator. A nil logger falls back to slog.Default().
func NewValidator(clients storage.ClientCatalog, scopeValidator *scopes.Validator, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{clients: clients, scopes: scopeValidator, logger: logger}
}

// Validate runs the validation pipeline. Protocol failures are returned as *Error; any
// other error is an infrastructure failure.
func (v *Validator) Validate(ctx context.Context, params url.Values, initialRequestDate time.Time, issuer string) (*ValidRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ec := &errorContext{issuer: issuer}
	req := &ValidRequest{
		Issuer:             issuer,
		InitialRequestDate: initialRequestDate,
		Raw:                params,
	}

	steps := []func(context.Context, url.Values, *ValidRequest, *errorContext) error{
		v.validateClient,
		v.validateRedirectURI,
		v.validateStateAndRequestObjects,
		v.validateResponseType,
		v.validateResponseMode,
		v.validateScope,
		v.validatePKCE,
		v.validateOpenIDParameters,
	}
	for _, step := range steps {
		if err := step(ctx, params, req, ec); err != nil {
			var aerr *Error
			if errors.As(err, &aerr) {
				v.logger.Debug("Authorize request rejected",
					"client_id", clientIDOf(aerr.Client),
					"error", aerr.Protocol.Code,
					"error_description", aerr.Protocol.Description,
					"redirectable", aerr.CanReturnErrorDirectly())
			}
			return nil, err
		}
	}

	return req, nil
}

func clientIDOf(c *storage.Client) string {
	if c == nil {
		return ""
	}
	return c.ClientID
}

func (v *Validator) validateClient(ctx context.Context, params url.Values, req *ValidRequest, ec *errorContext) error {
	r := syntax.Single(params, protocol.ParamClientID, protocol.MaxClientIDLength)
	if err := r.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, paramError(protocol.ParamClientID, err).Error())
	}
	clientID, ok := r.Get()
	if !ok {
		return ec.fail(protocol.ErrorInvalidRequest, "client_id is required")
	}
	if !syntax.IsVSChar(clientID) {
		return ec.fail(protocol.ErrorInvalidRequest, paramError(protocol.ParamClientID, syntax.ErrInvalidCharacters).Error())
	}

	client, err := v.clients.FindEnabledClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return ec.fail(protocol.ErrorInvalidRequest, "unknown client or client not enabled")
	}
	if err != nil {
		return fmt.Errorf("failed to find client: %w", err)
	}

	req.Client = client
	ec.client = client
	return nil
}

// validateRedirectURI requires byte equality with a registered URI. A missing redirect_uri
// is accepted only for non-OpenID requests from clients with exactly one registered URI.
func (v *Validator) validateRedirectURI(_ context.Context, params url.Values, req *ValidRequest, ec *errorContext) error {
	r := syntax.Single(params, protocol.ParamRedirectURI, protocol.MaxRedirectURILength)
	if err := r.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, paramError(protocol.ParamRedirectURI, err).Error())
	}

	redirectURI, ok := r.Get()
	if !ok {
		if mentionsOpenID(params) {
			return ec.fail(protocol.ErrorInvalidRequest, "redirect_uri is required")
		}
		if len(req.Client.RedirectURIs) != 1 {
			return ec.fail(protocol.ErrorInvalidRequest, "redirect_uri is required when the client has several registered URIs")
		}
		req.RedirectURI = req.Client.RedirectURIs[0]
		ec.redirectURI = req.RedirectURI
		ec.responseMode = provisionalResponseMode(params)
		return nil
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() || parsed.Fragment != "" {
		return ec.fail(protocol.ErrorInvalidRequest, "redirect_uri must be an absolute URI without fragment")
	}
	if !req.Client.HasRedirectURI(redirectURI) {
		return ec.fail(protocol.ErrorInvalidRequest, "redirect_uri is not registered for this client")
	}

	req.RedirectURI = redirectURI
	req.OriginalRedirectURI = redirectURI
	ec.redirectURI = redirectURI
	ec.responseMode = provisionalResponseMode(params)
	return nil
}

// validateStateAndRequestObjects validates state first so every later error echoes it
func (v *Validator) validateStateAndRequestObjects(_ context.Context, params url.Values, req *ValidRequest, ec *errorContext) error {
	state := validateState(params)
	if err := state.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	req.State = state.ValueOr("")
	ec.state = req.State

	if len(params[protocol.ParamRequest]) > 0 {
		return ec.fail(protocol.ErrorRequestNotSupported, "request objects are not supported")
	}
	if len(params[protocol.ParamRequestURI]) > 0 {
		return ec.fail(protocol.ErrorRequestURINotSupported, "request_uri is not supported")
	}
	return nil
}

func (v *Validator) validateResponseType(_ context.Context, params url.Values, req *ValidRequest, ec *errorContext) error {
	r := syntax.Single(params, protocol.ParamResponseType, 0)
	if err := r.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, paramError(protocol.ParamResponseType, err).Error())
	}
	responseType, ok := r.Get()
	if !ok {
		return ec.fail(protocol.ErrorInvalidRequest, "response_type is required")
	}
	if !protocol.IsSupportedResponseType(responseType) {
		return ec.fail(protocol.ErrorUnsupportedResponseType, fmt.Sprintf("response_type %q is not supported", responseType))
	}
	if !req.Client.AllowsFlow(responseType) {
		return ec.fail(protocol.ErrorUnauthorizedClient, fmt.Sprintf("client is not allowed to use response_type %q", responseType))
	}

	req.ResponseType = responseType
	return nil
}

func (v *Validator) validateResponseMode(_ context.Context, params url.Values, req *ValidRequest, ec *errorContext) error {
	r := syntax.Single(params, protocol.ParamResponseMode, 0)
	if err := r.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, paramError(protocol.ParamResponseMode, err).Error())
	}

	mode, ok := r.Get()
	if !ok {
		mode = protocol.DefaultResponseMode(req.ResponseType)
	}
	switch mode {
	case protocol.ResponseModeQuery:
		if req.ResponseType == protocol.ResponseTypeCodeIDToken {
			// tokens must never travel in the query component
			ec.responseMode = protocol.ResponseModeFragment
			return ec.fail(protocol.ErrorInvalidRequest, "response_mode query is not allowed for response_type code id_token")
		}
	case protocol.ResponseModeFragment, protocol.ResponseModeFormPost:
	default:
		return ec.fail(protocol.ErrorInvalidRequest, fmt.Sprintf("response_mode %q is not supported", mode))
	}

	req.ResponseMode = mode
	ec.responseMode = mode
	return nil
}

func (v *Validator) validateScope(ctx context.Context, params url.Values, req *ValidRequest, ec *errorContext) error {
	r := syntax.Single(params, protocol.ParamScope, protocol.MaxScopeLength)
	if err := r.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, paramError(protocol.ParamScope, err).Error())
	}
	raw, ok := r.Get()
	if !ok {
		return ec.fail(protocol.ErrorInvalidRequest, "scope is required")
	}
	requested, err := syntax.ParseScope(raw)
	if err != nil {
		return ec.fail(protocol.ErrorInvalidScope, paramError(protocol.ParamScope, err).Error())
	}

	resources, err := v.scopes.Validate(ctx, req.Client, requested)
	if err != nil {
		var perr *protocol.Error
		if errors.As(err, &perr) {
			return ec.wrap(perr)
		}
		return err
	}

	if req.ResponseType == protocol.ResponseTypeCodeIDToken && !resources.IsOpenID() {
		return ec.fail(protocol.ErrorInvalidScope, "response_type code id_token requires the openid scope")
	}

	req.Resources = resources
	req.RequestedScopes = requested
	return nil
}

// validatePKCE requires a code challenge from every client
func (v *Validator) validatePKCE(_ context.Context, params url.Values, req *ValidRequest, ec *errorContext) error {
	method := validateCodeChallengeMethod(params)
	if err := method.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	m, _ := method.Get()

	challenge := validateCodeChallenge(params, m)
	if err := challenge.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	c, ok := challenge.Get()
	if !ok {
		return ec.fail(protocol.ErrorInvalidRequest, "code_challenge is required")
	}

	if !req.Client.AllowsCodeChallengeMethod(m) {
		return ec.fail(protocol.ErrorInvalidRequest, fmt.Sprintf("code_challenge_method %q is not allowed for this client", m))
	}

	req.CodeChallenge = c
	req.CodeChallengeMethod = m
	return nil
}

// validateOpenIDParameters validates the OpenID Connect parameters. They are ignored for
// plain OAuth requests.
func (v *Validator) validateOpenIDParameters(_ context.Context, params url.Values, req *ValidRequest, ec *errorContext) error {
	if !req.IsOpenID() {
		return nil
	}

	nonce := validateNonce(params)
	if err := nonce.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	if nonce.IsAbsent() && req.ResponseType == protocol.ResponseTypeCodeIDToken {
		return ec.fail(protocol.ErrorInvalidRequest, "nonce is required for response_type code id_token")
	}
	req.Nonce = nonce.ValueOr("")

	display := validateDisplay(params)
	if err := display.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	req.Display = display.ValueOr("")

	prompt := validatePrompt(params)
	if err := prompt.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	req.Prompt = prompt.ValueOr(nil)

	maxAge := validateMaxAge(params)
	if err := maxAge.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	if d, ok := maxAge.Get(); ok {
		req.MaxAge = &d
	}

	uiLocales := validateUILocales(params)
	if err := uiLocales.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	req.UILocales = uiLocales.ValueOr("")

	loginHint := validateLoginHint(params)
	if err := loginHint.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	req.LoginHint = loginHint.ValueOr("")

	acr := validateAcrValues(params)
	if err := acr.Err(); err != nil {
		return ec.fail(protocol.ErrorInvalidRequest, err.Error())
	}
	req.AcrValues = acr.ValueOr(nil)

	return nil
}
