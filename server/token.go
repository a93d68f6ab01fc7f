package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/response"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/tokenrequest"
	"github.com/giantswarm/oidc-server/tokens"
)

// Token handles a token request: client authentication, grant validation and issuance run
// in one transaction. Protocol failures are returned as *tokenrequest.Error; any other
// error is an infrastructure failure.
func (s *Server) Token(ctx context.Context, header http.Header, form url.Values, clientIP string) (*response.TokenResponse, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.token")
	defer span.End()

	now := s.now()
	var (
		client *tokenrequest.AuthenticatedClient
		req    *tokenrequest.ValidRequest
		resp   *response.TokenResponse
	)
	err := s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		client, err = s.clientAuth.Authenticate(ctx, header, form)
		if err != nil {
			return err
		}
		req, err = s.tokenValidator.Validate(ctx, form, client, s.config.Issuer, now)
		if err != nil {
			return err
		}
		resp, err = s.tokenGenerator.Generate(ctx, req)
		if errors.Is(err, tokens.ErrRefreshTokenUsed) {
			return &tokenrequest.Error{
				Protocol: protocol.InvalidGrant("refresh token is invalid or expired"),
				Reason:   tokenrequest.ReasonRefreshTokenReused,
			}
		}
		return err
	})

	clientID := form.Get(protocol.ParamClientID)
	if client != nil {
		clientID = client.Client.ClientID
	}
	grantType := form.Get(protocol.ParamGrantType)

	if err != nil {
		s.tokenFailed(ctx, span, clientID, grantType, clientIP, err)
		return nil, err
	}

	s.tokenIssued(ctx, span, req, resp, clientIP)
	return resp, nil
}

func (s *Server) tokenIssued(ctx context.Context, span trace.Span, req *tokenrequest.ValidRequest, resp *response.TokenResponse, clientIP string) {
	instrumentation.AddOAuthFlowAttributes(span, req.Client.ClientID, req.GrantType, resp.Scope)
	span.SetAttributes(attribute.String(instrumentation.AttrAuthMethod, req.AuthMethod))
	instrumentation.SetSpanSuccess(span)

	subjectID := ""
	if req.Claims != nil {
		subjectID = req.Claims.SubjectID
	}

	switch grant := req.Grant.(type) {
	case tokenrequest.AuthorizationCodeGrant:
		if s.metrics != nil {
			s.metrics.RecordCodeExchange(ctx, req.Client.ClientID, grant.Code.CodeChallengeMethod)
		}
		s.auditor.LogTokenIssued(subjectID, req.Client.ClientID, clientIP, req.GrantType, resp.Scope)
	case tokenrequest.RefreshTokenGrant:
		s.auditor.LogTokenRefreshed(subjectID, req.Client.ClientID, clientIP, resp.RefreshToken != grant.Token.Handle)
	default:
		s.auditor.LogTokenIssued(subjectID, req.Client.ClientID, clientIP, req.GrantType, resp.Scope)
	}

	s.logger.Info("Token issued",
		"client_id", req.Client.ClientID,
		"grant_type", req.GrantType,
		"scope", resp.Scope,
		"refresh_token", resp.RefreshToken != "",
		"id_token", resp.IDToken != "")
}

// tokenFailed reports a failed token request. Failures that point at stolen or replayed
// artifacts get their own audit events.
func (s *Server) tokenFailed(ctx context.Context, span trace.Span, clientID, grantType, clientIP string, err error) {
	var terr *tokenrequest.Error
	if !errors.As(err, &terr) {
		s.logger.Error("Token request failed", "client_id", clientID, "grant_type", grantType, "error", err)
		instrumentation.RecordError(span, err)
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, clientID, grantType, "")
	instrumentation.AddProtocolErrorAttributes(span, terr.Protocol.Code, terr.Protocol.Description)
	if s.metrics != nil {
		s.metrics.RecordTokenError(ctx, grantType, terr.Protocol.Code)
	}

	description := terr.Protocol.Description
	switch terr.Reason {
	case tokenrequest.ReasonClientAuthentication:
		s.auditor.LogAuthFailure(clientID, clientIP, description)
	case tokenrequest.ReasonCodeNotFound:
		s.auditor.LogGrantRejected(security.EventAuthorizationCodeReuseDetected, clientID, clientIP, description)
		if s.metrics != nil {
			s.metrics.RecordCodeReuseDetected(ctx)
		}
	case tokenrequest.ReasonPKCE:
		s.auditor.LogGrantRejected(security.EventPKCEValidationFailed, clientID, clientIP, description)
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, terr.PKCEMethod)
		}
	case tokenrequest.ReasonScope, tokenrequest.ReasonConsent:
		s.auditor.LogGrantRejected(security.EventScopeEscalationAttempt, clientID, clientIP, description)
	case tokenrequest.ReasonRefreshTokenReused:
		s.auditor.LogGrantRejected(security.EventTokenReuseDetected, clientID, clientIP, description)
		if s.metrics != nil {
			s.metrics.RecordTokenReuseDetected(ctx)
		}
	}

	s.logger.Debug("Token request rejected",
		"client_id", clientID,
		"grant_type", grantType,
		"error", terr.Protocol.Code,
		"reason", terr.Reason)
}
