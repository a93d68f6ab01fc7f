package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/oidc-server/authorize"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/storage"
)

// ConsentRequest describes a pending authorize request to the consent UI
type ConsentRequest struct {
	AuthorizeRequestID string
	ClientID           string
	ClientName         string
	IdentityScopes     []storage.Scope
	APIScopes          []storage.Scope
	// RequiredScopes are granted even when the resource owner unticks them
	RequiredScopes       []string
	OfflineAccess        bool
	AllowRememberConsent bool
}

// FindConsentRequest loads and re-validates a pending authorize request for display.
// Unknown and expired requests yield storage.ErrNotFound.
func (s *Server) FindConsentRequest(ctx context.Context, requestID string) (*ConsentRequest, error) {
	stored, err := s.findAuthorizeRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req, err := s.authorizeValidator.Validate(ctx, stored.Parameters, stored.InitialRequestDate, s.config.Issuer)
	if err != nil {
		var aerr *authorize.Error
		if errors.As(err, &aerr) {
			return nil, fmt.Errorf("authorize request is no longer valid: %w", err)
		}
		return nil, err
	}
	return &ConsentRequest{
		AuthorizeRequestID:   stored.ID,
		ClientID:             req.Client.ClientID,
		ClientName:           req.Client.ClientName,
		IdentityScopes:       req.Resources.IdentityScopes,
		APIScopes:            req.Resources.APIScopes,
		RequiredScopes:       req.Resources.RequiredScopeNames(),
		OfflineAccess:        req.Resources.OfflineAccess,
		AllowRememberConsent: req.Client.AllowRememberConsent,
	}, nil
}

// GrantConsent records that the resource owner granted scopes for a pending authorize
// request. The decision takes effect when the browser returns to the authorize callback.
func (s *Server) GrantConsent(ctx context.Context, requestID string, ticket storage.EssentialClaims, scopes []string, remember bool) error {
	return s.decideConsent(ctx, requestID, ticket, &storage.ConsentGranted{Scopes: scopes, Remember: remember})
}

// DenyConsent records that the resource owner refused a pending authorize request. The
// client receives access_denied at the authorize callback.
func (s *Server) DenyConsent(ctx context.Context, requestID string, ticket storage.EssentialClaims) error {
	return s.decideConsent(ctx, requestID, ticket, nil)
}

// decideConsent stores a grant, or a denial when granted is nil
func (s *Server) decideConsent(ctx context.Context, requestID string, ticket storage.EssentialClaims, granted *storage.ConsentGranted) error {
	ctx, span := s.tracer.Start(ctx, "oauth.consent")
	defer span.End()

	now := s.now()
	return s.store.WithinTransaction(ctx, func(ctx context.Context) error {
		stored, err := s.findAuthorizeRequest(ctx, requestID)
		if err != nil {
			return err
		}
		expiresAt := now.Add(s.config.ConsentDecisionLifetime)
		clientID := stored.Parameters.Get(protocol.ParamClientID)

		if granted == nil {
			err = s.store.DenyAuthorizeRequestConsent(ctx, stored.ID, ticket.Identifiers(), now, expiresAt)
		} else {
			err = s.store.GrantAuthorizeRequestConsent(ctx, stored.ID, ticket.Identifiers(), *granted, now, expiresAt)
		}
		if err != nil {
			return fmt.Errorf("failed to store consent decision: %w", err)
		}

		remember := granted != nil && granted.Remember
		if s.metrics != nil {
			s.metrics.RecordConsentDecision(ctx, granted != nil, remember)
		}
		s.auditor.LogConsentDecision(ticket.SubjectID, clientID, granted != nil, remember)
		return nil
	})
}

// FindAuthorizeRequestError returns an error persisted for the error UI. Unknown and
// expired ids yield storage.ErrNotFound.
func (s *Server) FindAuthorizeRequestError(ctx context.Context, errorID string) (*storage.AuthorizeRequestError, error) {
	if errorID == "" {
		return nil, storage.ErrNotFound
	}
	return s.store.FindAuthorizeRequestError(ctx, errorID)
}
