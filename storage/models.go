package storage

import (
	"net/url"
	"slices"
	"time"
)

// Client types
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// Refresh token expiration strategies
const (
	// RefreshTokenExpirationAbsolute expires a refresh token at a fixed time after issuance
	RefreshTokenExpirationAbsolute = "absolute"
	// RefreshTokenExpirationSliding extends the expiration on each use
	RefreshTokenExpirationSliding = "sliding"
	// RefreshTokenExpirationHybrid slides within an absolute ceiling
	RefreshTokenExpirationHybrid = "hybrid"
)

// Access token formats
const (
	AccessTokenFormatJWT       = "jwt"
	AccessTokenFormatReference = "reference"
)

// Secret is a hashed client or resource secret (bcrypt or PBKDF2, see security.VerifySecret)
type Secret struct {
	Hash        string
	Description string
	// ExpiresAt is zero for secrets that never expire
	ExpiresAt time.Time
}

// IsExpired reports whether the secret has expired at now
func (s Secret) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Client represents a registered OAuth client. It is provisioned out of band and is
// read-only to the authorization server.
type Client struct {
	ClientID   string
	ClientName string
	Enabled    bool
	ClientType string // "public" or "confidential"

	RedirectURIs []string
	// AllowedScopes lists every scope (identity and API) the client may request
	AllowedScopes []string
	// AllowedGrantTypes holds authorization_code, client_credentials and/or refresh_token
	AllowedGrantTypes []string
	// AuthorizationFlows holds the response types the client may use ("code", "code id_token")
	AuthorizationFlows          []string
	AllowedCodeChallengeMethods []string

	RequireConsent       bool
	AllowRememberConsent bool
	// ConsentLifetime bounds remembered consent; zero means no expiration
	ConsentLifetime time.Duration

	AuthorizationCodeLifetime    time.Duration
	AccessTokenLifetime          time.Duration
	IDTokenLifetime              time.Duration
	RefreshTokenAbsoluteLifetime time.Duration
	RefreshTokenSlidingLifetime  time.Duration
	RefreshTokenExpiration       string
	RotateRefreshTokens          bool
	AccessTokenFormat            string

	IDTokenSigningAlgorithms     []string
	AccessTokenSigningAlgorithms []string

	TokenEndpointAuthMethod string
	Secrets                 []Secret

	AlwaysIncludeUserClaimsInIDToken bool

	CreatedAt time.Time
}

// IsConfidential reports whether the client is a confidential client
func (c *Client) IsConfidential() bool {
	return c.ClientType == ClientTypeConfidential
}

// HasRedirectURI reports whether uri is byte-for-byte equal to a registered redirect URI
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// AllowsGrantType reports whether the client may use the grant type
func (c *Client) AllowsGrantType(grantType string) bool {
	return slices.Contains(c.AllowedGrantTypes, grantType)
}

// AllowsFlow reports whether the client may use the authorize response type
func (c *Client) AllowsFlow(responseType string) bool {
	return slices.Contains(c.AuthorizationFlows, responseType)
}

// AllowsCodeChallengeMethod reports whether the client may use the PKCE method
func (c *Client) AllowsCodeChallengeMethod(method string) bool {
	return slices.Contains(c.AllowedCodeChallengeMethods, method)
}

// AllowsScope reports whether the client may request the scope
func (c *Client) AllowsScope(scope string) bool {
	return slices.Contains(c.AllowedScopes, scope)
}

// Scope is a configured scope. TokenType is "id_token" for identity scopes and
// "access_token" for API scopes.
type Scope struct {
	Name            string
	DisplayName     string
	TokenType       string
	Required        bool
	ShowInDiscovery bool
	UserClaimTypes  []string
}

// Resource is a protected API exposing a set of access token scopes
type Resource struct {
	Name              string
	AccessTokenScopes []string
	Secrets           []Secret
}

// AuthorizeRequest is a raw authorize request persisted while the resource owner is sent
// to the login or consent UI.
type AuthorizeRequest struct {
	ID                 string
	Parameters         url.Values
	InitialRequestDate time.Time
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// AuthorizeRequestError is a protocol error persisted for display by the error UI
type AuthorizeRequestError struct {
	ID           string
	Code         string
	Description  string
	ClientID     string
	RedirectURI  string
	ResponseMode string
	State        string
	Issuer       string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// EssentialClaims is the minimal resource-owner identity carried through authentication,
// consent and tokens.
type EssentialClaims struct {
	SubjectID       string
	SessionID       string
	AuthenticatedAt time.Time
}

// Identifiers returns the (subject, session) pair used as the identity join key
func (e EssentialClaims) Identifiers() Identifiers {
	return Identifiers{SubjectID: e.SubjectID, SessionID: e.SessionID}
}

// Identifiers identifies a resource owner session. Comparable with ==.
type Identifiers struct {
	SubjectID string
	SessionID string
}

// ConsentDecision is either ConsentGranted or ConsentDenied
type ConsentDecision interface {
	consentDecision()
}

// ConsentGranted records the scopes the resource owner agreed to
type ConsentGranted struct {
	Scopes   []string
	Remember bool
}

// ConsentDenied records a refusal
type ConsentDenied struct{}

func (ConsentGranted) consentDecision() {}
func (ConsentDenied) consentDecision()  {}

// AuthorizeRequestConsent is the resource owner's decision for one authorize request
type AuthorizeRequestConsent struct {
	AuthorizeRequestID string
	Identifiers        Identifiers
	Decision           ConsentDecision
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

// GrantedConsent is a remembered consent for a (subject, client) pair
type GrantedConsent struct {
	SubjectID string
	ClientID  string
	Scopes    []string
	CreatedAt time.Time
	// ExpiresAt is zero for consents that never expire
	ExpiresAt time.Time
}

// AuthorizationCode is a single-use artifact created by the authorize endpoint
type AuthorizationCode struct {
	Handle              string
	ClientID            string
	Claims              EssentialClaims
	Scopes              []string
	OriginalRedirectURI string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	State               string
	Issuer              string
	IssuedAt            time.Time
	ExpiresAt           time.Time
}

// AccessToken is the server-side record of an issued access token. Claims is nil for
// client credentials grants.
type AccessToken struct {
	Handle    string
	ClientID  string
	Claims    *EssentialClaims
	Scopes    []string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshToken is the server-side record of an issued refresh token
type RefreshToken struct {
	Handle            string
	ClientID          string
	Claims            EssentialClaims
	Scopes            []string
	AccessTokenHandle string
	// ParentHandle links a rotated token to the token it replaced
	ParentHandle string
	Issuer       string
	IssuedAt     time.Time
	// ExpiresAt is the current (possibly sliding) expiration
	ExpiresAt time.Time
	// AbsoluteExpiresAt caps sliding renewals; zero means uncapped
	AbsoluteExpiresAt time.Time
}
