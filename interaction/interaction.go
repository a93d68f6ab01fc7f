// Package interaction decides whether an authorize request still needs the resource
// owner to log in or consent before a code can be issued.
//
// The decision is re-computed on every hit of the authorize endpoint from the persisted
// request, the current session and the stored consent, so the redirect round trip through
// the login and consent UI needs no in-process state.
package interaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/oidc-server/authorize"
	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/scopes"
	"github.com/giantswarm/oidc-server/storage"
)

// Result is one of NeedsLogin, NeedsConsent, Failed or Valid
type Result interface {
	result()
}

// NeedsLogin sends the resource owner to the login UI
type NeedsLogin struct {
	Reason string
}

// NeedsConsent sends the resource owner to the consent UI
type NeedsConsent struct {
	Ticket storage.EssentialClaims
}

// Failed ends the request with a protocol error delivered to the client
type Failed struct {
	Err *protocol.Error
}

// Valid completes the request. Resources is a subset of the requested resources.
type Valid struct {
	Ticket    storage.EssentialClaims
	Resources *scopes.Resources
}

func (NeedsLogin) result()   {}
func (NeedsConsent) result() {}
func (Failed) result()       {}
func (Valid) result()        {}

// Login reasons, reported in logs and metrics
const (
	ReasonAnonymous      = "anonymous"
	ReasonPromptLogin    = "prompt_login"
	ReasonMaxAgeExceeded = "max_age"
	ReasonInactive       = "inactive"
)

// Service runs the interaction state machine
type Service struct {
	grantedConsents storage.GrantedConsentStore
	profiles        identity.ProfileService
	logger          *slog.Logger
}

// NewService creates a Service. A nil logger falls back to slog.Default().
func NewService(grantedConsents storage.GrantedConsentStore, profiles identity.ProfileService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{grantedConsents: grantedConsents, profiles: profiles, logger: logger}
}

// Process computes the next step for req. ticket is nil for anonymous requests; consent is
// the decision recorded for this request, if any.
func (s *Service) Process(ctx context.Context, req *authorize.ValidRequest, ticket *storage.EssentialClaims, consent *storage.AuthorizeRequestConsent, now time.Time) (Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reason, err := s.loginReason(ctx, req, ticket, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		if req.HasPrompt(protocol.PromptNone) {
			return Failed{Err: protocol.NewError(protocol.ErrorLoginRequired, "the resource owner is not authenticated")}, nil
		}
		s.logger.Debug("Login required", "client_id", req.Client.ClientID, "reason", reason)
		return NeedsLogin{Reason: reason}, nil
	}

	// A decision recorded for another session is ignored
	if consent != nil && consent.Identifiers == ticket.Identifiers() {
		return s.applyConsent(ctx, req, *ticket, consent, now)
	}

	required, err := s.consentRequired(ctx, req, ticket)
	if err != nil {
		return nil, err
	}
	if required {
		if req.HasPrompt(protocol.PromptNone) {
			return Failed{Err: protocol.NewError(protocol.ErrorConsentRequired, "the resource owner has not consented")}, nil
		}
		return NeedsConsent{Ticket: *ticket}, nil
	}

	return Valid{Ticket: *ticket, Resources: req.Resources}, nil
}

func (s *Service) loginReason(ctx context.Context, req *authorize.ValidRequest, ticket *storage.EssentialClaims, now time.Time) (string, error) {
	if ticket == nil {
		return ReasonAnonymous, nil
	}
	// Authentication times carry whole seconds. A login during the request satisfies both a
	// login prompt and max_age, otherwise max_age=0 would never be met.
	authenticatedAt := ticket.AuthenticatedAt.Truncate(time.Second)
	loggedInDuringRequest := !authenticatedAt.Before(req.InitialRequestDate.Truncate(time.Second))
	if req.RequiresLoginPrompt() && !loggedInDuringRequest {
		return ReasonPromptLogin, nil
	}
	if req.MaxAge != nil && !loggedInDuringRequest && now.Sub(authenticatedAt) > *req.MaxAge {
		return ReasonMaxAgeExceeded, nil
	}
	active, err := identity.IsActive(ctx, s.profiles, ticket.SubjectID)
	if err != nil {
		return "", fmt.Errorf("failed to check profile: %w", err)
	}
	if !active {
		return ReasonInactive, nil
	}
	return "", nil
}

// consentRequired reports whether the consent UI must be shown. A remembered consent
// covering every requested scope satisfies a client that requires consent, but never an
// explicit prompt=consent.
func (s *Service) consentRequired(ctx context.Context, req *authorize.ValidRequest, ticket *storage.EssentialClaims) (bool, error) {
	if req.HasPrompt(protocol.PromptConsent) {
		return true, nil
	}
	if !req.Client.RequireConsent {
		return false, nil
	}
	if !req.Client.AllowRememberConsent {
		return true, nil
	}

	remembered, err := s.grantedConsents.FindGrantedConsent(ctx, ticket.SubjectID, req.Client.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true, nil
		}
		return false, fmt.Errorf("failed to find granted consent: %w", err)
	}
	for _, name := range req.Resources.ScopeNames() {
		if !slices.Contains(remembered.Scopes, name) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) applyConsent(ctx context.Context, req *authorize.ValidRequest, ticket storage.EssentialClaims, consent *storage.AuthorizeRequestConsent, now time.Time) (Result, error) {
	switch decision := consent.Decision.(type) {
	case storage.ConsentDenied:
		return Failed{Err: protocol.AccessDenied("the resource owner denied the request")}, nil

	case storage.ConsentGranted:
		if len(req.Resources.Narrow(decision.Scopes).ScopeNames()) == 0 {
			return Failed{Err: protocol.AccessDenied("no scopes were granted")}, nil
		}
		// Required scopes survive any consent
		granted := slices.Clone(decision.Scopes)
		for _, name := range req.Resources.RequiredScopeNames() {
			if !slices.Contains(granted, name) {
				granted = append(granted, name)
			}
		}
		narrowed := req.Resources.Narrow(granted)

		if decision.Remember && req.Client.AllowRememberConsent {
			if err := s.remember(ctx, req.Client, ticket.SubjectID, narrowed.ScopeNames(), now); err != nil {
				return nil, err
			}
		}
		return Valid{Ticket: ticket, Resources: narrowed}, nil

	default:
		return nil, fmt.Errorf("unknown consent decision %T", consent.Decision)
	}
}

func (s *Service) remember(ctx context.Context, client *storage.Client, subjectID string, scopeNames []string, now time.Time) error {
	var expiresAt time.Time
	if client.ConsentLifetime > 0 {
		expiresAt = now.Add(client.ConsentLifetime)
	}
	err := s.grantedConsents.UpsertGrantedConsent(ctx, &storage.GrantedConsent{
		SubjectID: subjectID,
		ClientID:  client.ClientID,
		Scopes:    scopeNames,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to remember consent: %w", err)
	}
	return nil
}
