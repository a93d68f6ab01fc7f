package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage"
)

// Backends
const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendPostgres = "postgres"
)

// Client defaults applied when a client definition leaves a lifetime unset
const (
	defaultAuthorizationCodeLifetime    = 5 * time.Minute
	defaultAccessTokenLifetime          = time.Hour
	defaultIDTokenLifetime              = 5 * time.Minute
	defaultRefreshTokenAbsoluteLifetime = 30 * 24 * time.Hour
	defaultRefreshTokenSlidingLifetime  = 15 * 24 * time.Hour
)

// fileConfig is the YAML configuration of the server
type fileConfig struct {
	Issuer              string `yaml:"issuer"`
	Listen              string `yaml:"listen"`
	AllowInsecureIssuer bool   `yaml:"allow_insecure_issuer"`

	UI        uiConfig        `yaml:"ui"`
	Session   sessionConfig   `yaml:"session"`
	Storage   storageConfig   `yaml:"storage"`
	Catalog   catalogConfig   `yaml:"catalog"`
	RateLimit rateLimitConfig `yaml:"rate_limit"`
	Metrics   metricsConfig   `yaml:"metrics"`
	Log       logConfig       `yaml:"log"`

	// Audit enables security audit logging. Default: true
	Audit *bool `yaml:"audit"`

	SigningKeys []signingKeyConfig `yaml:"signing_keys"`
	Clients     []clientConfig     `yaml:"clients"`
	Scopes      []scopeConfig      `yaml:"scopes"`
	Resources   []resourceConfig   `yaml:"resources"`
	Profiles    []profileConfig    `yaml:"profiles"`
}

type uiConfig struct {
	LoginURL   string `yaml:"login_url"`
	ConsentURL string `yaml:"consent_url"`
	ErrorURL   string `yaml:"error_url"`
	// Dev serves built-in login, consent and error pages under /ui
	Dev bool `yaml:"dev"`
}

type sessionConfig struct {
	// Key is the base64 encoded HMAC key of the session cookie (at least 32 bytes)
	Key        string        `yaml:"key"`
	CookieName string        `yaml:"cookie_name"`
	Lifetime   time.Duration `yaml:"lifetime"`
	Insecure   bool          `yaml:"insecure"`
}

type storageConfig struct {
	Backend string `yaml:"backend"`
	// EncryptionKey is a base64 encoded 32 byte key sealing redis records at rest
	EncryptionKey string      `yaml:"encryption_key"`
	Redis         redisConfig `yaml:"redis"`
}

type redisConfig struct {
	Address   string `yaml:"address"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type catalogConfig struct {
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	// Migrate applies the catalog schema on startup
	Migrate bool `yaml:"migrate"`

	AllowHTTPRedirects      bool `yaml:"allow_http_redirects"`
	AllowPrivateIPRedirects bool `yaml:"allow_private_ip_redirects"`
}

type rateLimitConfig struct {
	Disabled          bool    `yaml:"disabled"`
	Rate              float64 `yaml:"rate"`
	Burst             int     `yaml:"burst"`
	TrustProxy        bool    `yaml:"trust_proxy"`
	TrustedProxyCount int     `yaml:"trusted_proxy_count"`
}

type metricsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Exporter     string `yaml:"exporter"`
	LogClientIPs bool   `yaml:"log_client_ips"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type signingKeyConfig struct {
	File      string `yaml:"file"`
	Algorithm string `yaml:"algorithm"`
	KeyID     string `yaml:"key_id"`
}

type clientConfig struct {
	ClientID                    string   `yaml:"client_id"`
	ClientName                  string   `yaml:"client_name"`
	Disabled                    bool     `yaml:"disabled"`
	ClientType                  string   `yaml:"client_type"`
	RedirectURIs                []string `yaml:"redirect_uris"`
	AllowedScopes               []string `yaml:"allowed_scopes"`
	AllowedGrantTypes           []string `yaml:"allowed_grant_types"`
	AuthorizationFlows          []string `yaml:"authorization_flows"`
	AllowedCodeChallengeMethods []string `yaml:"allowed_code_challenge_methods"`

	RequireConsent       bool          `yaml:"require_consent"`
	AllowRememberConsent bool          `yaml:"allow_remember_consent"`
	ConsentLifetime      time.Duration `yaml:"consent_lifetime"`

	AuthorizationCodeLifetime    time.Duration `yaml:"authorization_code_lifetime"`
	AccessTokenLifetime          time.Duration `yaml:"access_token_lifetime"`
	IDTokenLifetime              time.Duration `yaml:"id_token_lifetime"`
	RefreshTokenAbsoluteLifetime time.Duration `yaml:"refresh_token_absolute_lifetime"`
	RefreshTokenSlidingLifetime  time.Duration `yaml:"refresh_token_sliding_lifetime"`
	RefreshTokenExpiration       string        `yaml:"refresh_token_expiration"`
	RotateRefreshTokens          *bool         `yaml:"rotate_refresh_tokens"`
	AccessTokenFormat            string        `yaml:"access_token_format"`

	IDTokenSigningAlgorithms     []string `yaml:"id_token_signing_algorithms"`
	AccessTokenSigningAlgorithms []string `yaml:"access_token_signing_algorithms"`

	TokenEndpointAuthMethod string `yaml:"token_endpoint_auth_method"`
	// Secrets are plain text and hashed with bcrypt at load. Prefer SecretHashes.
	Secrets      []string `yaml:"secrets"`
	SecretHashes []string `yaml:"secret_hashes"`

	AlwaysIncludeUserClaimsInIDToken bool `yaml:"always_include_user_claims_in_id_token"`
}

type scopeConfig struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	TokenType   string   `yaml:"token_type"`
	Required    bool     `yaml:"required"`
	Hidden      bool     `yaml:"hidden"`
	Claims      []string `yaml:"claims"`
}

type resourceConfig struct {
	Name         string   `yaml:"name"`
	Scopes       []string `yaml:"scopes"`
	SecretHashes []string `yaml:"secret_hashes"`
}

type profileConfig struct {
	SubjectID string         `yaml:"subject_id"`
	Disabled  bool           `yaml:"disabled"`
	Claims    map[string]any `yaml:"claims"`
}

// loadConfig reads the YAML file at path and applies environment overrides. Variables
// from envFiles are loaded first; variables already set in the environment win.
func loadConfig(path string, envFiles ...string) (*fileConfig, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &fileConfig{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *fileConfig) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setString("OIDC_ISSUER", &c.Issuer)
	setString("OIDC_LISTEN", &c.Listen)
	setString("OIDC_SESSION_KEY", &c.Session.Key)
	setString("OIDC_STORAGE_BACKEND", &c.Storage.Backend)
	setString("OIDC_ENCRYPTION_KEY", &c.Storage.EncryptionKey)
	setString("OIDC_REDIS_ADDRESS", &c.Storage.Redis.Address)
	setString("OIDC_REDIS_PASSWORD", &c.Storage.Redis.Password)
	setString("OIDC_CATALOG_BACKEND", &c.Catalog.Backend)
	setString("OIDC_POSTGRES_DSN", &c.Catalog.PostgresDSN)
	setString("OIDC_LOG_LEVEL", &c.Log.Level)

	if v, ok := os.LookupEnv("OIDC_TRUST_PROXY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid OIDC_TRUST_PROXY: %w", err)
		}
		c.RateLimit.TrustProxy = b
	}
	return nil
}

func (c *fileConfig) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = backendMemory
	}
	if c.Catalog.Backend == "" {
		c.Catalog.Backend = backendMemory
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Audit == nil {
		enabled := true
		c.Audit = &enabled
	}

	issuer := strings.TrimSuffix(c.Issuer, "/")
	if c.UI.Dev {
		if c.UI.LoginURL == "" {
			c.UI.LoginURL = issuer + devUILogin
		}
		if c.UI.ConsentURL == "" {
			c.UI.ConsentURL = issuer + devUIConsent
		}
		if c.UI.ErrorURL == "" {
			c.UI.ErrorURL = issuer + devUIError
		}
	}
}

func (c *fileConfig) validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	switch c.Storage.Backend {
	case backendMemory:
	case backendRedis:
		if c.Storage.Redis.Address == "" {
			return errors.New("storage.redis.address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	switch c.Catalog.Backend {
	case backendMemory:
	case backendPostgres:
		if c.Catalog.PostgresDSN == "" {
			return errors.New("catalog.postgres_dsn is required for the postgres catalog")
		}
	default:
		return fmt.Errorf("unsupported catalog backend %q", c.Catalog.Backend)
	}
	return nil
}

// sessionKey decodes the session cookie key. Only serve needs it.
func (c *fileConfig) sessionKey() ([]byte, error) {
	if c.Session.Key == "" {
		return nil, errors.New("session.key is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.Session.Key)
	if err != nil {
		return nil, fmt.Errorf("invalid session.key: %w", err)
	}
	return key, nil
}

func (c *fileConfig) redirectPolicy() storage.RedirectURIPolicy {
	return storage.RedirectURIPolicy{
		AllowHTTP:      c.Catalog.AllowHTTPRedirects,
		AllowPrivateIP: c.Catalog.AllowPrivateIPRedirects,
	}
}

func (c *fileConfig) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// toClient converts a client definition, hashing plain text secrets
func (c clientConfig) toClient() (*storage.Client, error) {
	client := &storage.Client{
		ClientID:                         c.ClientID,
		ClientName:                       c.ClientName,
		Enabled:                          !c.Disabled,
		ClientType:                       c.ClientType,
		RedirectURIs:                     c.RedirectURIs,
		AllowedScopes:                    c.AllowedScopes,
		AllowedGrantTypes:                c.AllowedGrantTypes,
		AuthorizationFlows:               c.AuthorizationFlows,
		AllowedCodeChallengeMethods:      c.AllowedCodeChallengeMethods,
		RequireConsent:                   c.RequireConsent,
		AllowRememberConsent:             c.AllowRememberConsent,
		ConsentLifetime:                  c.ConsentLifetime,
		AuthorizationCodeLifetime:        orDefault(c.AuthorizationCodeLifetime, defaultAuthorizationCodeLifetime),
		AccessTokenLifetime:              orDefault(c.AccessTokenLifetime, defaultAccessTokenLifetime),
		IDTokenLifetime:                  orDefault(c.IDTokenLifetime, defaultIDTokenLifetime),
		RefreshTokenAbsoluteLifetime:     orDefault(c.RefreshTokenAbsoluteLifetime, defaultRefreshTokenAbsoluteLifetime),
		RefreshTokenSlidingLifetime:      orDefault(c.RefreshTokenSlidingLifetime, defaultRefreshTokenSlidingLifetime),
		RefreshTokenExpiration:           c.RefreshTokenExpiration,
		RotateRefreshTokens:              c.RotateRefreshTokens == nil || *c.RotateRefreshTokens,
		AccessTokenFormat:                c.AccessTokenFormat,
		IDTokenSigningAlgorithms:         c.IDTokenSigningAlgorithms,
		AccessTokenSigningAlgorithms:     c.AccessTokenSigningAlgorithms,
		TokenEndpointAuthMethod:          c.TokenEndpointAuthMethod,
		AlwaysIncludeUserClaimsInIDToken: c.AlwaysIncludeUserClaimsInIDToken,
	}
	if client.ClientType == "" {
		client.ClientType = storage.ClientTypeConfidential
	}
	if client.TokenEndpointAuthMethod == "" {
		client.TokenEndpointAuthMethod = "client_secret_basic"
		if !client.IsConfidential() {
			client.TokenEndpointAuthMethod = "none"
		}
	}
	if client.RefreshTokenExpiration == "" {
		client.RefreshTokenExpiration = storage.RefreshTokenExpirationAbsolute
	}
	if client.AccessTokenFormat == "" {
		client.AccessTokenFormat = storage.AccessTokenFormatJWT
	}
	if len(client.AuthorizationFlows) == 0 && client.AllowsGrantType("authorization_code") {
		client.AuthorizationFlows = []string{"code"}
	}
	if len(client.AllowedCodeChallengeMethods) == 0 {
		client.AllowedCodeChallengeMethods = []string{"S256"}
	}

	for _, hash := range c.SecretHashes {
		client.Secrets = append(client.Secrets, storage.Secret{Hash: hash})
	}
	for _, secret := range c.Secrets {
		hash, err := security.HashSecret(secret)
		if err != nil {
			return nil, fmt.Errorf("client %s: %w", c.ClientID, err)
		}
		client.Secrets = append(client.Secrets, storage.Secret{Hash: hash})
	}
	return client, nil
}

func (c scopeConfig) toScope() storage.Scope {
	return storage.Scope{
		Name:            c.Name,
		DisplayName:     c.DisplayName,
		TokenType:       c.TokenType,
		Required:        c.Required,
		ShowInDiscovery: !c.Hidden,
		UserClaimTypes:  c.Claims,
	}
}

func (c resourceConfig) toResource() storage.Resource {
	r := storage.Resource{Name: c.Name, AccessTokenScopes: c.Scopes}
	for _, hash := range c.SecretHashes {
		r.Secrets = append(r.Secrets, storage.Secret{Hash: hash})
	}
	return r
}

func (c profileConfig) toProfile() identity.Profile {
	return identity.Profile{SubjectID: c.SubjectID, Active: !c.Disabled, Claims: c.Claims}
}

// loadSigningKeys reads the configured PEM keys. Without keys an ephemeral RS256 key is
// generated; tokens signed with it do not survive a restart.
func (c *fileConfig) loadSigningKeys(logger *slog.Logger) ([]*keys.SigningCredential, error) {
	if len(c.SigningKeys) == 0 {
		logger.Warn("⚠️  No signing keys configured, generating an ephemeral RS256 key",
			"risk", "issued tokens become unverifiable after a restart")
		cred, err := keys.GenerateRSA(keys.MinRSAKeyBits, keys.AlgorithmRS256)
		if err != nil {
			return nil, err
		}
		return []*keys.SigningCredential{cred}, nil
	}

	creds := make([]*keys.SigningCredential, 0, len(c.SigningKeys))
	for _, k := range c.SigningKeys {
		data, err := os.ReadFile(k.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key: %w", err)
		}
		algorithm := k.Algorithm
		if algorithm == "" {
			algorithm = keys.AlgorithmRS256
		}
		cred, err := keys.LoadPEM(data, algorithm, k.KeyID)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing key %s: %w", k.File, err)
		}
		creds = append(creds, cred)
	}
	return creds, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
