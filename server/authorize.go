package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-server/authorize"
	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/interaction"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/response"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/tokens"
)

// Authorize outcomes reported in metrics
const (
	outcomeLogin   = "login"
	outcomeConsent = "consent"
	outcomeError   = "error"
	outcomeCode    = "code"
)

// AuthorizeResult tells the HTTP layer how to answer the browser. Exactly one of Redirect
// and Response is set.
type AuthorizeResult struct {
	// Redirect is a location of the login, consent or error UI
	Redirect string
	// Response is delivered to the client's redirect URI
	Response *response.AuthorizeResponse
}

// Authorize handles a request to the authorize endpoint. ticket is the authenticated
// resource owner or nil. Protocol errors are part of the result; a returned error is an
// infrastructure failure and nothing was persisted.
func (s *Server) Authorize(ctx context.Context, params url.Values, ticket *storage.EssentialClaims, clientIP string) (*AuthorizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize")
	defer span.End()

	now := s.now()
	var result *AuthorizeResult
	err := s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		req, err := s.authorizeValidator.Validate(ctx, params, now, s.config.Issuer)
		if err != nil {
			result, err = s.rejectAuthorize(ctx, span, err, clientIP, now)
			return err
		}
		result, err = s.advance(ctx, span, req, ticket, nil, "", clientIP, now)
		return err
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

// AuthorizeCallback re-enters a persisted authorize request after the login or consent UI
func (s *Server) AuthorizeCallback(ctx context.Context, requestID string, ticket *storage.EssentialClaims, clientIP string) (*AuthorizeResult, error) {
	ctx, span := s.tracer.Start(ctx, "oauth.authorize.callback")
	defer span.End()

	now := s.now()
	var result *AuthorizeResult
	err := s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		stored, err := s.findAuthorizeRequest(ctx, requestID)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			s.logger.Debug("Authorize callback for unknown request")
			result, err = s.errorPage(ctx, &authorize.Error{
				Protocol: protocol.InvalidRequest("the authorize request is unknown or has expired"),
				Issuer:   s.config.Issuer,
			}, now)
			return err
		}

		req, err := s.authorizeValidator.Validate(ctx, stored.Parameters, stored.InitialRequestDate, s.config.Issuer)
		if err != nil {
			if derr := s.store.DeleteAuthorizeRequest(ctx, stored.ID); derr != nil {
				return fmt.Errorf("failed to delete authorize request: %w", derr)
			}
			result, err = s.rejectAuthorize(ctx, span, err, clientIP, now)
			return err
		}

		var consent *storage.AuthorizeRequestConsent
		if ticket != nil {
			consent, err = s.store.FindAuthorizeRequestConsent(ctx, stored.ID, ticket.Identifiers())
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to find consent: %w", err)
			}
		}
		result, err = s.advance(ctx, span, req, ticket, consent, stored.ID, clientIP, now)
		return err
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	return result, nil
}

func (s *Server) findAuthorizeRequest(ctx context.Context, id string) (*storage.AuthorizeRequest, error) {
	if id == "" {
		return nil, storage.ErrNotFound
	}
	return s.store.FindAuthorizeRequest(ctx, id)
}

// advance runs the interaction state machine for a validated request. requestID is empty
// until the request has been persisted for a UI round trip.
func (s *Server) advance(ctx context.Context, span trace.Span, req *authorize.ValidRequest, ticket *storage.EssentialClaims, consent *storage.AuthorizeRequestConsent, requestID, clientIP string, now time.Time) (*AuthorizeResult, error) {
	instrumentation.AddOAuthFlowAttributes(span, req.Client.ClientID, req.ResponseType, strings.Join(req.RequestedScopes, " "))
	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)

	outcome, err := s.interaction.Process(ctx, req, ticket, consent, now)
	if err != nil {
		return nil, fmt.Errorf("failed to process interaction: %w", err)
	}

	switch o := outcome.(type) {
	case interaction.NeedsLogin:
		span.SetAttributes(attribute.String(instrumentation.AttrInteraction, outcomeLogin))
		s.recordAuthorizeOutcome(ctx, req.Client.ClientID, outcomeLogin)
		return s.redirectToUI(ctx, s.config.LoginURL, req, requestID, now)

	case interaction.NeedsConsent:
		span.SetAttributes(attribute.String(instrumentation.AttrInteraction, outcomeConsent))
		s.recordAuthorizeOutcome(ctx, req.Client.ClientID, outcomeConsent)
		return s.redirectToUI(ctx, s.config.ConsentURL, req, requestID, now)

	case interaction.Failed:
		if err := s.finishAuthorizeRequest(ctx, requestID, consent); err != nil {
			return nil, err
		}
		instrumentation.AddProtocolErrorAttributes(span, o.Err.Code, o.Err.Description)
		s.recordAuthorizeOutcome(ctx, req.Client.ClientID, outcomeError)
		s.auditor.LogGrantRejected(security.EventAuthorizeRequestRejected, req.Client.ClientID, clientIP, o.Err.Description)
		return &AuthorizeResult{
			Response: response.AuthorizeError(req.RedirectURI, req.ResponseMode, o.Err, req.State, req.Issuer),
		}, nil

	case interaction.Valid:
		if err := s.finishAuthorizeRequest(ctx, requestID, consent); err != nil {
			return nil, err
		}
		res, err := s.issueCode(ctx, req, o, clientIP, now)
		if err != nil {
			return nil, err
		}
		instrumentation.SetSpanSuccess(span)
		return res, nil

	default:
		return nil, fmt.Errorf("unknown interaction result %T", outcome)
	}
}

// redirectToUI persists the request unless it already is and sends the browser to the UI
func (s *Server) redirectToUI(ctx context.Context, base string, req *authorize.ValidRequest, requestID string, now time.Time) (*AuthorizeResult, error) {
	if requestID == "" {
		requestID = security.GenerateRequestID()
		err := s.store.CreateAuthorizeRequest(ctx, &storage.AuthorizeRequest{
			ID:                 requestID,
			Parameters:         req.Raw,
			InitialRequestDate: req.InitialRequestDate,
			CreatedAt:          now,
			ExpiresAt:          now.Add(s.config.AuthorizeRequestLifetime),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store authorize request: %w", err)
		}
	}
	return &AuthorizeResult{Redirect: withQuery(base, ParamAuthorizeRequestID, requestID)}, nil
}

// finishAuthorizeRequest removes the persisted request and the consent decision once the
// request has been answered
func (s *Server) finishAuthorizeRequest(ctx context.Context, requestID string, consent *storage.AuthorizeRequestConsent) error {
	if requestID == "" {
		return nil
	}
	if err := s.store.DeleteAuthorizeRequest(ctx, requestID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete authorize request: %w", err)
	}
	if consent != nil {
		err := s.store.DeleteAuthorizeRequestConsent(ctx, requestID, consent.Identifiers)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete consent: %w", err)
		}
	}
	return nil
}

func (s *Server) issueCode(ctx context.Context, req *authorize.ValidRequest, valid interaction.Valid, clientIP string, now time.Time) (*AuthorizeResult, error) {
	code, err := s.codes.Create(ctx, tokens.CodeRequest{
		Client:              req.Client,
		Claims:              valid.Ticket,
		Scopes:              valid.Resources.ScopeNames(),
		OriginalRedirectURI: req.OriginalRedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		State:               req.State,
		Issuer:              req.Issuer,
		IssuedAt:            now,
	})
	if err != nil {
		return nil, err
	}

	var idToken string
	if req.IssuesIDToken() {
		idToken, err = s.idTokens.Create(ctx, tokens.IDTokenRequest{
			Client:    req.Client,
			Claims:    valid.Ticket,
			Resources: valid.Resources,
			Nonce:     req.Nonce,
			Issuer:    req.Issuer,
			IssuedAt:  now,
			Code:      code.Handle,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create id token: %w", err)
		}
	}

	s.recordAuthorizeOutcome(ctx, req.Client.ClientID, outcomeCode)
	if s.metrics != nil {
		s.metrics.RecordCodeIssued(ctx, req.Client.ClientID, req.ResponseType)
	}
	s.auditor.LogCodeIssued(valid.Ticket.SubjectID, req.Client.ClientID, clientIP, strings.Join(code.Scopes, " "))

	return &AuthorizeResult{
		Response: response.AuthorizeSuccess(req.RedirectURI, req.ResponseMode, code.Handle, req.State, req.Issuer, idToken),
	}, nil
}

// rejectAuthorize turns a validation failure into a result. Errors with a verified
// redirect URI go back to the client; the rest are shown by the error UI.
func (s *Server) rejectAuthorize(ctx context.Context, span trace.Span, err error, clientIP string, now time.Time) (*AuthorizeResult, error) {
	var aerr *authorize.Error
	if !errors.As(err, &aerr) {
		return nil, err
	}

	clientID := ""
	if aerr.Client != nil {
		clientID = aerr.Client.ClientID
	}
	instrumentation.AddProtocolErrorAttributes(span, aerr.Protocol.Code, aerr.Protocol.Description)
	s.recordAuthorizeOutcome(ctx, clientID, outcomeError)

	if aerr.CanReturnErrorDirectly() {
		s.auditor.LogGrantRejected(security.EventAuthorizeRequestRejected, clientID, clientIP, aerr.Protocol.Description)
		return &AuthorizeResult{
			Response: response.AuthorizeError(aerr.RedirectURI, aerr.ResponseMode, aerr.Protocol, aerr.State, aerr.Issuer),
		}, nil
	}

	s.auditor.LogGrantRejected(security.EventInvalidRedirect, clientID, clientIP, aerr.Protocol.Description)
	return s.errorPage(ctx, aerr, now)
}

// errorPage persists an error for the error UI
func (s *Server) errorPage(ctx context.Context, aerr *authorize.Error, now time.Time) (*AuthorizeResult, error) {
	record := &storage.AuthorizeRequestError{
		ID:           security.GenerateRequestID(),
		Code:         aerr.Protocol.Code,
		Description:  aerr.Protocol.Description,
		RedirectURI:  aerr.RedirectURI,
		ResponseMode: aerr.ResponseMode,
		State:        aerr.State,
		Issuer:       aerr.Issuer,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.config.AuthorizeRequestErrorLifetime),
	}
	if aerr.Client != nil {
		record.ClientID = aerr.Client.ClientID
	}
	if err := s.store.CreateAuthorizeRequestError(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store authorize error: %w", err)
	}
	return &AuthorizeResult{Redirect: withQuery(s.config.ErrorURL, ParamErrorID, record.ID)}, nil
}

func (s *Server) recordAuthorizeOutcome(ctx context.Context, clientID, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordAuthorizeOutcome(ctx, clientID, outcome)
	}
}

// withQuery adds key=value to the query of base. base was validated by validateConfig.
func withQuery(base, key, value string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
