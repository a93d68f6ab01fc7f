package storage

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strings"

	"github.com/giantswarm/oidc-server/internal/util"
)

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryPrivateIP       = "private_ip"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

// DangerousSchemes lists URI schemes that are never accepted as redirect URIs
var DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

// RedirectURIError describes a rejected redirect URI registration
type RedirectURIError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason
	Reason string
}

func (e *RedirectURIError) Error() string {
	return fmt.Sprintf("redirect_uri %q rejected (%s): %s", e.URI, e.Category, e.Reason)
}

// RedirectURIPolicy controls which redirect URIs a client registration may carry
type RedirectURIPolicy struct {
	// AllowHTTP permits plain http for non-loopback hosts
	AllowHTTP bool
	// AllowPrivateIP permits RFC 1918 literal addresses
	AllowPrivateIP bool
	// AllowLinkLocal permits link-local literal addresses (cloud metadata endpoints)
	AllowLinkLocal bool
}

// ValidateClient checks a client registration for unsafe or inconsistent settings.
// Catalog implementations call it before accepting a client.
func ValidateClient(c *Client, policy RedirectURIPolicy) error {
	if c == nil {
		return fmt.Errorf("client cannot be nil")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client_id cannot be empty")
	}
	if c.ClientType != ClientTypeConfidential && c.ClientType != ClientTypePublic {
		return fmt.Errorf("client %s: invalid client type %q", c.ClientID, c.ClientType)
	}

	for _, grant := range c.AllowedGrantTypes {
		switch grant {
		case "authorization_code", "refresh_token":
		case "client_credentials":
			if !c.IsConfidential() {
				return fmt.Errorf("client %s: client_credentials requires a confidential client", c.ClientID)
			}
		default:
			return fmt.Errorf("client %s: unsupported grant type %q", c.ClientID, grant)
		}
	}

	for _, flow := range c.AuthorizationFlows {
		if flow != "code" && flow != "code id_token" {
			return fmt.Errorf("client %s: unsupported authorization flow %q", c.ClientID, flow)
		}
	}
	if len(c.AuthorizationFlows) > 0 && !c.AllowsGrantType("authorization_code") {
		return fmt.Errorf("client %s: authorization flows require the authorization_code grant", c.ClientID)
	}

	for _, method := range c.AllowedCodeChallengeMethods {
		if method != "S256" && method != "plain" {
			return fmt.Errorf("client %s: unsupported code challenge method %q", c.ClientID, method)
		}
	}

	switch c.RefreshTokenExpiration {
	case "", RefreshTokenExpirationAbsolute, RefreshTokenExpirationSliding, RefreshTokenExpirationHybrid:
	default:
		return fmt.Errorf("client %s: unsupported refresh token expiration %q", c.ClientID, c.RefreshTokenExpiration)
	}

	switch c.AccessTokenFormat {
	case "", AccessTokenFormatJWT, AccessTokenFormatReference:
	default:
		return fmt.Errorf("client %s: unsupported access token format %q", c.ClientID, c.AccessTokenFormat)
	}

	switch c.TokenEndpointAuthMethod {
	case "client_secret_basic", "client_secret_post":
		if !c.IsConfidential() {
			return fmt.Errorf("client %s: public clients must use token endpoint auth method none", c.ClientID)
		}
	case "none":
		if c.IsConfidential() {
			return fmt.Errorf("client %s: confidential clients must authenticate at the token endpoint", c.ClientID)
		}
	default:
		return fmt.Errorf("client %s: unsupported token endpoint auth method %q", c.ClientID, c.TokenEndpointAuthMethod)
	}

	if slices.Contains(c.AuthorizationFlows, "code") || slices.Contains(c.AuthorizationFlows, "code id_token") {
		if len(c.RedirectURIs) == 0 {
			return fmt.Errorf("client %s: at least one redirect URI is required", c.ClientID)
		}
	}
	for _, uri := range c.RedirectURIs {
		if err := ValidateRedirectURI(uri, policy); err != nil {
			return fmt.Errorf("client %s: %w", c.ClientID, err)
		}
	}

	return nil
}

// ValidateRedirectURI checks one redirect URI for registration: it must be absolute, carry
// no fragment and use neither a dangerous scheme nor an unsafe literal address.
func ValidateRedirectURI(redirectURI string, policy RedirectURIPolicy) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || !parsed.IsAbs() {
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryInvalidFormat,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   "redirect URI must be an absolute URI",
		}
	}

	// OAuth 2.0 Security BCP Section 4.1.3
	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryFragment,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   "redirect URI must not contain a fragment",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if slices.Contains(DangerousSchemes, scheme) {
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryBlockedScheme,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   fmt.Sprintf("scheme %q is blocked", scheme),
		}
	}

	if scheme != "http" && scheme != "https" {
		// Private-use schemes for native apps (RFC 8252 Section 7.1)
		return nil
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryInvalidFormat,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   "redirect URI has no host",
		}
	}
	if util.IsLoopbackHostname(hostname) {
		// RFC 8252 Section 7.3 allows http for loopback
		return nil
	}
	if scheme == "http" && !policy.AllowHTTP {
		return &RedirectURIError{
			Category: RedirectURIErrorCategoryHTTPNotAllowed,
			URI:      sanitizeURIForLogging(redirectURI),
			Reason:   "https is required outside loopback",
		}
	}

	if ip := net.ParseIP(hostname); ip != nil {
		switch util.ClassifyIP(ip) {
		case util.IPClassificationUnspecified:
			return &RedirectURIError{Category: RedirectURIErrorCategoryUnspecifiedAddr, URI: sanitizeURIForLogging(redirectURI), Reason: "unspecified address"}
		case util.IPClassificationPrivate:
			if !policy.AllowPrivateIP {
				return &RedirectURIError{Category: RedirectURIErrorCategoryPrivateIP, URI: sanitizeURIForLogging(redirectURI), Reason: "private IP address"}
			}
		case util.IPClassificationLinkLocal:
			if !policy.AllowLinkLocal {
				return &RedirectURIError{Category: RedirectURIErrorCategoryLinkLocal, URI: sanitizeURIForLogging(redirectURI), Reason: "link-local address"}
			}
		}
	}

	return nil
}

// sanitizeURIForLogging strips query, fragment and userinfo from a URI
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil

	return parsed.String()
}
