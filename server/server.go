package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oidc-server/authorize"
	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/interaction"
	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/response"
	"github.com/giantswarm/oidc-server/scopes"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/tokenrequest"
	"github.com/giantswarm/oidc-server/tokens"
)

// Dependencies are the collaborators of a Server. Auditor and Instrumentation are optional.
type Dependencies struct {
	Clients   storage.ClientCatalog
	Resources storage.ResourceCatalog
	Store     storage.Store
	Keys      keys.Store
	Profiles  identity.ProfileService
	Sessions  identity.Authenticator

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
}

// Server runs the authorize, token and document operations of the authorization server.
// Every operation touching storage runs inside one transaction of Dependencies.Store.
type Server struct {
	config *Config
	logger *slog.Logger

	store    storage.Store
	sessions identity.Authenticator

	authorizeValidator *authorize.Validator
	interaction        *interaction.Service
	codes              *tokens.CodeService
	idTokens           *tokens.IDTokenService
	clientAuth         *tokenrequest.ClientAuthenticator
	tokenValidator     *tokenrequest.Validator
	tokenGenerator     *response.TokenGenerator
	discovery          *response.DiscoveryGenerator
	jwks               *response.JWKSGenerator

	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	metrics         *instrumentation.Metrics
	tracer          trace.Tracer

	now func() time.Time
}

// New creates a Server. The config is completed with secure defaults and validated.
func New(deps Dependencies, config *Config, logger *slog.Logger) (*Server, error) {
	if deps.Clients == nil {
		return nil, errors.New("client catalog is required")
	}
	if deps.Resources == nil {
		return nil, errors.New("resource catalog is required")
	}
	if deps.Store == nil {
		return nil, errors.New("store is required")
	}
	if deps.Keys == nil {
		return nil, errors.New("key store is required")
	}
	if deps.Profiles == nil {
		return nil, errors.New("profile service is required")
	}
	if deps.Sessions == nil {
		return nil, errors.New("session authenticator is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config.Issuer = util.NormalizeURL(config.Issuer)
	config = applySecureDefaults(config, logger)
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var metrics *instrumentation.Metrics
	var tracer trace.Tracer = tracenoop.NewTracerProvider().Tracer("")
	if deps.Instrumentation != nil {
		metrics = deps.Instrumentation.Metrics()
		tracer = deps.Instrumentation.Tracer("server")
		if deps.Auditor != nil {
			deps.Auditor.OnEvent(func(eventType string) {
				metrics.RecordAuditEvent(context.Background(), eventType)
			})
		}
	}

	scopeValidator := scopes.NewValidator(deps.Resources, logger)
	accessTokens := tokens.NewAccessTokenService(deps.Store, deps.Keys, deps.Profiles, logger)
	refreshTokens := tokens.NewRefreshTokenService(deps.Store, logger)
	idTokens := tokens.NewIDTokenService(deps.Keys, deps.Profiles, logger)

	return &Server{
		config:             config,
		logger:             logger,
		store:              deps.Store,
		sessions:           deps.Sessions,
		authorizeValidator: authorize.NewValidator(deps.Clients, scopeValidator, logger),
		interaction:        interaction.NewService(deps.Store, deps.Profiles, logger),
		codes:              tokens.NewCodeService(deps.Store),
		idTokens:           idTokens,
		clientAuth:         tokenrequest.NewClientAuthenticator(deps.Clients, logger),
		tokenValidator: tokenrequest.NewValidator(tokenrequest.Config{
			Codes:           deps.Store,
			RefreshTokens:   deps.Store,
			GrantedConsents: deps.Store,
			Scopes:          scopeValidator,
			Profiles:        deps.Profiles,
			Logger:          logger,
		}),
		tokenGenerator:  response.NewTokenGenerator(accessTokens, refreshTokens, idTokens, metrics, logger),
		discovery:       response.NewDiscoveryGenerator(deps.Resources, deps.Keys, config.DocumentCacheTTL, metrics, logger),
		jwks:            response.NewJWKSGenerator(deps.Keys, config.DocumentCacheTTL, metrics),
		auditor:         deps.Auditor,
		instrumentation: deps.Instrumentation,
		metrics:         metrics,
		tracer:          tracer,
		now:             time.Now,
	}, nil
}

// SetClock replaces the clock of the server and of the client authenticator
func (s *Server) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	s.now = now
	s.clientAuth.SetClock(now)
}

// Config returns the effective configuration
func (s *Server) Config() Config {
	return *s.config
}

// Issuer returns the issuer identifier
func (s *Server) Issuer() string {
	return s.config.Issuer
}

// Instrumentation returns the instrumentation, nil when disabled
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.instrumentation
}

// Auditor returns the security auditor, nil when disabled
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// Authenticate resolves the resource owner of r. An unreadable or expired session counts
// as anonymous, which sends the resource owner back to the login UI.
func (s *Server) Authenticate(r *http.Request) *storage.EssentialClaims {
	ticket, err := s.sessions.Authenticate(r)
	if err != nil {
		s.logger.Debug("Ignoring invalid session", "error", err)
		return nil
	}
	return ticket
}
