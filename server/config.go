package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oidc-server/internal/util"
	"github.com/giantswarm/oidc-server/response"
)

// Default lifetimes of the artifacts owned by the authorize round trip
const (
	DefaultAuthorizeRequestLifetime      = 15 * time.Minute
	DefaultConsentDecisionLifetime       = 15 * time.Minute
	DefaultAuthorizeRequestErrorLifetime = 5 * time.Minute
)

// Query parameters handed to the external UI
const (
	ParamAuthorizeRequestID = "authorize_request_id"
	ParamErrorID            = "error_id"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the issuer identifier: an absolute URL without query or fragment
	Issuer string

	// LoginURL is where resource owners authenticate. It receives authorize_request_id
	// and sends the browser back to the authorize callback afterwards.
	LoginURL string

	// ConsentURL shows the consent page. It receives authorize_request_id.
	ConsentURL string

	// ErrorURL shows errors that cannot be returned to the client. It receives error_id.
	ErrorURL string

	// AuthorizeRequestLifetime bounds the login/consent round trip
	// Default: 15 minutes
	AuthorizeRequestLifetime time.Duration

	// ConsentDecisionLifetime bounds how long a consent decision waits for the callback
	// Default: 15 minutes
	ConsentDecisionLifetime time.Duration

	// AuthorizeRequestErrorLifetime bounds how long the error page can look up an error
	// Default: 5 minutes
	AuthorizeRequestErrorLifetime time.Duration

	// DocumentCacheTTL is how long discovery and JWKS documents are cached
	// Default: 5 minutes
	DocumentCacheTTL time.Duration

	// AllowInsecureIssuer permits a plain http issuer on a non-loopback host
	// WARNING: development only. Tokens and codes travel in clear text.
	// Default: false
	AllowInsecureIssuer bool
}

// applySecureDefaults fills unset durations. It never relaxes a security setting.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizeRequestLifetime <= 0 {
		config.AuthorizeRequestLifetime = DefaultAuthorizeRequestLifetime
	}
	if config.ConsentDecisionLifetime <= 0 {
		config.ConsentDecisionLifetime = DefaultConsentDecisionLifetime
	}
	if config.AuthorizeRequestErrorLifetime <= 0 {
		config.AuthorizeRequestErrorLifetime = DefaultAuthorizeRequestErrorLifetime
	}
	if config.DocumentCacheTTL <= 0 {
		config.DocumentCacheTTL = response.DefaultDocumentCacheTTL
	}

	logSecurityWarnings(config, logger)
	return config
}

func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowInsecureIssuer {
		logger.Warn("⚠️  SECURITY WARNING: Insecure issuer is ALLOWED",
			"risk", "Codes and tokens are exposed to network attackers",
			"recommendation", "Serve the issuer over https and set AllowInsecureIssuer=false")
	}
	if config.AuthorizeRequestLifetime > time.Hour {
		logger.Warn("⚠️  CONFIGURATION WARNING: Long authorize request lifetime",
			"lifetime", config.AuthorizeRequestLifetime,
			"recommendation", "Keep the login/consent round trip under one hour")
	}
}

// validateConfig rejects configurations the server cannot run with
func validateConfig(config *Config) error {
	if config.Issuer == "" {
		return errors.New("issuer is required")
	}
	issuer, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer: %w", err)
	}
	if !issuer.IsAbs() || issuer.Host == "" {
		return fmt.Errorf("issuer %q must be an absolute URL", config.Issuer)
	}
	if issuer.RawQuery != "" || issuer.Fragment != "" {
		return fmt.Errorf("issuer %q must not contain a query or fragment", config.Issuer)
	}
	switch issuer.Scheme {
	case "https":
	case "http":
		if !util.IsLoopbackHostname(issuer.Hostname()) && !config.AllowInsecureIssuer {
			return fmt.Errorf("issuer %q must use https outside loopback", config.Issuer)
		}
	default:
		return fmt.Errorf("issuer %q must use https", config.Issuer)
	}

	for name, value := range map[string]string{
		"login url":   config.LoginURL,
		"consent url": config.ConsentURL,
		"error url":   config.ErrorURL,
	} {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.Parse(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}
