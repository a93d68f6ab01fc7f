package response

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/storage"
)

// Endpoint paths relative to the issuer
const (
	PathAuthorize         = "/connect/authorize"
	PathAuthorizeCallback = "/connect/authorize/callback"
	PathToken             = "/connect/token"
	PathDiscovery         = "/.well-known/openid-configuration"
	PathJWKS              = "/.well-known/openid-configuration/jwks"
)

// DiscoveryDocument is the OpenID Provider Metadata document (OpenID Connect Discovery 1.0,
// RFC 8414)
type DiscoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`

	ScopesSupported        []string `json:"scopes_supported"`
	ClaimsSupported        []string `json:"claims_supported"`
	GrantTypesSupported    []string `json:"grant_types_supported"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	ResponseModesSupported []string `json:"response_modes_supported"`
	SubjectTypesSupported  []string `json:"subject_types_supported"`

	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	PromptValuesSupported             []string `json:"prompt_values_supported"`
	DisplayValuesSupported            []string `json:"display_values_supported"`

	RequestParameterSupported                  bool `json:"request_parameter_supported"`
	RequestURIParameterSupported               bool `json:"request_uri_parameter_supported"`
	AuthorizationResponseIssParameterSupported bool `json:"authorization_response_iss_parameter_supported"`
}

// DiscoveryGenerator builds the discovery document of an issuer
type DiscoveryGenerator struct {
	resources storage.ResourceCatalog
	keys      keys.Store
	cache     *documentCache
	logger    *slog.Logger
}

// NewDiscoveryGenerator creates a DiscoveryGenerator whose documents are cached for ttl.
// A zero ttl uses DefaultDocumentCacheTTL; metrics may be nil.
func NewDiscoveryGenerator(resources storage.ResourceCatalog, keyStore keys.Store, ttl time.Duration, metrics *instrumentation.Metrics, logger *slog.Logger) *DiscoveryGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryGenerator{
		resources: resources,
		keys:      keyStore,
		cache:     newDocumentCache(ttl, metrics),
		logger:    logger,
	}
}

// Generate returns the marshalled discovery document for issuer
func (g *DiscoveryGenerator) Generate(ctx context.Context, issuer string) ([]byte, error) {
	return g.cache.get(ctx, "discovery", "discovery:"+issuer, func(ctx context.Context) ([]byte, error) {
		doc, err := g.Build(ctx, issuer)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	})
}

// Build assembles the discovery document without caching
func (g *DiscoveryGenerator) Build(ctx context.Context, issuer string) (*DiscoveryDocument, error) {
	base := strings.TrimSuffix(issuer, "/")

	scopeList, claims, err := g.resources.FindDiscoveryResources(ctx, []string{protocol.TokenTypeIDToken, protocol.TokenTypeAccessToken})
	if err != nil {
		return nil, fmt.Errorf("failed to load discovery resources: %w", err)
	}
	scopeNames := make([]string, 0, len(scopeList))
	for _, s := range scopeList {
		scopeNames = append(scopeNames, s.Name)
	}
	if claims == nil {
		claims = []string{}
	}

	algs, err := keys.SupportedAlgorithms(ctx, g.keys)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing algorithms: %w", err)
	}
	if algs == nil {
		g.logger.Warn("No signing credentials configured")
		algs = []string{}
	}

	return &DiscoveryDocument{
		Issuer:                                     issuer,
		AuthorizationEndpoint:                      base + PathAuthorize,
		TokenEndpoint:                              base + PathToken,
		JWKSURI:                                    base + PathJWKS,
		ScopesSupported:                            scopeNames,
		ClaimsSupported:                            claims,
		GrantTypesSupported:                        protocol.GrantTypes(),
		ResponseTypesSupported:                     protocol.ResponseTypes(),
		ResponseModesSupported:                     protocol.ResponseModes(),
		SubjectTypesSupported:                      []string{"public"},
		IDTokenSigningAlgValuesSupported:           algs,
		TokenEndpointAuthMethodsSupported:          []string{protocol.AuthMethodClientSecretBasic, protocol.AuthMethodClientSecretPost, protocol.AuthMethodNone},
		CodeChallengeMethodsSupported:              []string{protocol.CodeChallengeMethodS256, protocol.CodeChallengeMethodPlain},
		PromptValuesSupported:                      protocol.Prompts(),
		DisplayValuesSupported:                     protocol.Displays(),
		AuthorizationResponseIssParameterSupported: true,
	}, nil
}

// JWKSGenerator builds the JSON Web Key Set of the signing credentials
type JWKSGenerator struct {
	keys  keys.Store
	cache *documentCache
}

// NewJWKSGenerator creates a JWKSGenerator whose document is cached for ttl
func NewJWKSGenerator(keyStore keys.Store, ttl time.Duration, metrics *instrumentation.Metrics) *JWKSGenerator {
	return &JWKSGenerator{keys: keyStore, cache: newDocumentCache(ttl, metrics)}
}

// Generate returns the marshalled JWK set
func (g *JWKSGenerator) Generate(ctx context.Context) ([]byte, error) {
	return g.cache.get(ctx, "jwks", "jwks", func(ctx context.Context) ([]byte, error) {
		creds, err := g.keys.GetAllSigningCredentials(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing credentials: %w", err)
		}
		set, err := keys.NewJWKSet(creds)
		if err != nil {
			return nil, err
		}
		return json.Marshal(set)
	})
}
