package response

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/tokenrequest"
	"github.com/giantswarm/oidc-server/tokens"
)

// TokenResponse is the JSON body of a successful token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Issuer       string `json:"iss"`
}

// TokenGenerator issues the tokens a validated token request is entitled to
type TokenGenerator struct {
	accessTokens  *tokens.AccessTokenService
	refreshTokens *tokens.RefreshTokenService
	idTokens      *tokens.IDTokenService
	metrics       *instrumentation.Metrics
	logger        *slog.Logger
}

// NewTokenGenerator creates a TokenGenerator. metrics may be nil.
func NewTokenGenerator(accessTokens *tokens.AccessTokenService, refreshTokens *tokens.RefreshTokenService, idTokens *tokens.IDTokenService, metrics *instrumentation.Metrics, logger *slog.Logger) *TokenGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenGenerator{
		accessTokens:  accessTokens,
		refreshTokens: refreshTokens,
		idTokens:      idTokens,
		metrics:       metrics,
		logger:        logger,
	}
}

// Generate issues tokens for req. A refresh token that a concurrent request rotated first
// yields tokens.ErrRefreshTokenUsed.
func (g *TokenGenerator) Generate(ctx context.Context, req *tokenrequest.ValidRequest) (*TokenResponse, error) {
	var (
		resp *TokenResponse
		err  error
	)
	switch grant := req.Grant.(type) {
	case tokenrequest.AuthorizationCodeGrant:
		resp, err = g.authorizationCode(ctx, req, grant)
	case tokenrequest.ClientCredentialsGrant:
		resp, err = g.clientCredentials(ctx, req)
	case tokenrequest.RefreshTokenGrant:
		resp, err = g.refreshToken(ctx, req, grant)
	default:
		return nil, fmt.Errorf("unknown grant %T", req.Grant)
	}
	if err != nil {
		return nil, err
	}

	if g.metrics != nil {
		g.metrics.RecordTokensIssued(ctx, req.Client.ClientID, req.GrantType, resp.RefreshToken != "", resp.IDToken != "")
	}
	return resp, nil
}

func (g *TokenGenerator) accessToken(ctx context.Context, req *tokenrequest.ValidRequest) (*tokens.AccessToken, *TokenResponse, error) {
	at, err := g.accessTokens.Create(ctx, tokens.AccessTokenRequest{
		Client:    req.Client,
		Resources: req.Resources,
		Claims:    req.Claims,
		Issuer:    req.Issuer,
		IssuedAt:  req.Now,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create access token: %w", err)
	}
	return at, &TokenResponse{
		AccessToken: at.Token,
		TokenType:   protocol.TokenTypeBearer,
		ExpiresIn:   at.ExpiresIn(),
		Scope:       strings.Join(at.Scopes, " "),
		Issuer:      req.Issuer,
	}, nil
}

func (g *TokenGenerator) authorizationCode(ctx context.Context, req *tokenrequest.ValidRequest, grant tokenrequest.AuthorizationCodeGrant) (*TokenResponse, error) {
	at, resp, err := g.accessToken(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.Resources.OfflineAccess {
		rt, err := g.refreshTokens.Create(ctx, tokens.RefreshTokenRequest{
			Client:            req.Client,
			Claims:            *req.Claims,
			Scopes:            req.Resources.ScopeNames(),
			AccessTokenHandle: at.Handle,
			Issuer:            req.Issuer,
			IssuedAt:          req.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create refresh token: %w", err)
		}
		resp.RefreshToken = rt.Handle
	}

	if req.Resources.IsOpenID() {
		idToken, err := g.idTokens.Create(ctx, tokens.IDTokenRequest{
			Client:      req.Client,
			Claims:      *req.Claims,
			Resources:   req.Resources,
			Nonce:       grant.Code.Nonce,
			Issuer:      req.Issuer,
			IssuedAt:    req.Now,
			AccessToken: at.Token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create id token: %w", err)
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

func (g *TokenGenerator) clientCredentials(ctx context.Context, req *tokenrequest.ValidRequest) (*TokenResponse, error) {
	_, resp, err := g.accessToken(ctx, req)
	return resp, err
}

func (g *TokenGenerator) refreshToken(ctx context.Context, req *tokenrequest.ValidRequest, grant tokenrequest.RefreshTokenGrant) (*TokenResponse, error) {
	at, resp, err := g.accessToken(ctx, req)
	if err != nil {
		return nil, err
	}

	// Signing comes first: a consumed refresh token is not restored on rollback
	if req.Resources.IsOpenID() {
		idToken, err := g.idTokens.Create(ctx, tokens.IDTokenRequest{
			Client:      req.Client,
			Claims:      *req.Claims,
			Resources:   req.Resources,
			Issuer:      req.Issuer,
			IssuedAt:    req.Now,
			AccessToken: at.Token,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create id token: %w", err)
		}
		resp.IDToken = idToken
	}

	rt, rotated, err := g.refreshTokens.Use(ctx, req.Client, grant.Token, at.Handle, req.Now)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = rt.Handle
	g.logger.Debug("Refresh token redeemed", "client_id", req.Client.ClientID, "rotated", rotated)
	if g.metrics != nil {
		g.metrics.RecordTokenRefresh(ctx, req.Client.ClientID, rotated)
	}
	return resp, nil
}
