// Package testutil provides testing utilities and fixtures for the authorization server.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/storage"
)

// Fixture identifiers shared by tests across packages
const (
	ClientIDAuthorizationCode = "authz_code"
	ClientIDClientCredentials = "client_credentials"
	ClientIDPublic            = "public_native"
	ClientSecret              = "secret"
	RedirectURI               = "https://localhost:5000/signin-oidc"
	Issuer                    = "https://localhost:5001"
	APIScope1                 = "api_scope1"
	APIScope2                 = "api_scope2"
	Resource1                 = "api1"
	SubjectID                 = "subject-1"
	SessionID                 = "session-1"
)

var secretHash = mustHash(ClientSecret)

func mustHash(secret string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		panic(fmt.Sprintf("failed to hash test secret: %v", err))
	}
	return string(hash)
}

var (
	signingOnce sync.Once
	signingCred *keys.SigningCredential
)

// SigningCredential returns a process-wide RS256 credential. Key generation is slow, so
// tests share one key.
func SigningCredential() *keys.SigningCredential {
	signingOnce.Do(func() {
		var err error
		signingCred, err = keys.GenerateRSA(keys.MinRSAKeyBits, keys.AlgorithmRS256)
		if err != nil {
			panic(fmt.Sprintf("failed to generate signing key: %v", err))
		}
	})
	return signingCred
}

// KeyStore returns a key store holding SigningCredential
func KeyStore(t *testing.T) *keys.MemoryStore {
	t.Helper()
	store, err := keys.NewMemoryStore(SigningCredential())
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}
	return store
}

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// AuthorizationCodeClient returns the confidential authorization code client used in most
// flow tests: redirect https://localhost:5000/signin-oidc, scopes openid, profile,
// offline_access and api_scope1, S256 only, consent not required.
func AuthorizationCodeClient() *storage.Client {
	return &storage.Client{
		ClientID:                     ClientIDAuthorizationCode,
		ClientName:                   "Authorization code client",
		Enabled:                      true,
		ClientType:                   storage.ClientTypeConfidential,
		RedirectURIs:                 []string{RedirectURI},
		AllowedScopes:                []string{"openid", "profile", "offline_access", APIScope1},
		AllowedGrantTypes:            []string{"authorization_code", "refresh_token"},
		AuthorizationFlows:           []string{"code", "code id_token"},
		AllowedCodeChallengeMethods:  []string{"S256"},
		AllowRememberConsent:         true,
		AuthorizationCodeLifetime:    5 * time.Minute,
		AccessTokenLifetime:          time.Hour,
		IDTokenLifetime:              5 * time.Minute,
		RefreshTokenAbsoluteLifetime: 30 * 24 * time.Hour,
		RefreshTokenSlidingLifetime:  15 * 24 * time.Hour,
		RefreshTokenExpiration:       storage.RefreshTokenExpirationAbsolute,
		RotateRefreshTokens:          true,
		AccessTokenFormat:            storage.AccessTokenFormatJWT,
		TokenEndpointAuthMethod:      "client_secret_basic",
		Secrets:                      []storage.Secret{{Hash: secretHash}},
		CreatedAt:                    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// ClientCredentialsClient returns a confidential machine-to-machine client
func ClientCredentialsClient() *storage.Client {
	return &storage.Client{
		ClientID:                ClientIDClientCredentials,
		Enabled:                 true,
		ClientType:              storage.ClientTypeConfidential,
		AllowedScopes:           []string{APIScope1, APIScope2},
		AllowedGrantTypes:       []string{"client_credentials"},
		AccessTokenLifetime:     time.Hour,
		AccessTokenFormat:       storage.AccessTokenFormatReference,
		TokenEndpointAuthMethod: "client_secret_post",
		Secrets:                 []storage.Secret{{Hash: secretHash}},
	}
}

// PublicClient returns a public native client using loopback redirects and plain or S256 PKCE
func PublicClient() *storage.Client {
	return &storage.Client{
		ClientID:                     ClientIDPublic,
		Enabled:                      true,
		ClientType:                   storage.ClientTypePublic,
		RedirectURIs:                 []string{"http://127.0.0.1:7890/callback"},
		AllowedScopes:                []string{"openid", "offline_access", APIScope1},
		AllowedGrantTypes:            []string{"authorization_code", "refresh_token"},
		AuthorizationFlows:           []string{"code"},
		AllowedCodeChallengeMethods:  []string{"S256", "plain"},
		RequireConsent:               true,
		AllowRememberConsent:         true,
		AuthorizationCodeLifetime:    5 * time.Minute,
		AccessTokenLifetime:          time.Hour,
		IDTokenLifetime:              5 * time.Minute,
		RefreshTokenAbsoluteLifetime: 24 * time.Hour,
		RefreshTokenSlidingLifetime:  time.Hour,
		RefreshTokenExpiration:       storage.RefreshTokenExpirationSliding,
		RotateRefreshTokens:          true,
		AccessTokenFormat:            storage.AccessTokenFormatReference,
		TokenEndpointAuthMethod:      "none",
	}
}

// Scopes returns the identity and API scopes matching the fixture clients
func Scopes() []storage.Scope {
	return []storage.Scope{
		{Name: "openid", TokenType: "id_token", Required: true, ShowInDiscovery: true, UserClaimTypes: []string{"sub"}},
		{Name: "profile", TokenType: "id_token", ShowInDiscovery: true, UserClaimTypes: []string{"name", "family_name", "given_name"}},
		{Name: "offline_access", TokenType: "access_token", ShowInDiscovery: true},
		{Name: APIScope1, TokenType: "access_token", ShowInDiscovery: true},
		{Name: APIScope2, TokenType: "access_token"},
	}
}

// Resources returns the API resources matching Scopes
func Resources() []storage.Resource {
	return []storage.Resource{
		{Name: Resource1, AccessTokenScopes: []string{APIScope1, APIScope2}},
	}
}

// EssentialClaims returns an authenticated fixture identity
func EssentialClaims(authenticatedAt time.Time) storage.EssentialClaims {
	return storage.EssentialClaims{SubjectID: SubjectID, SessionID: SessionID, AuthenticatedAt: authenticatedAt}
}

// AuthorizeParams builds the parameters of a valid code-flow authorize request for
// AuthorizationCodeClient with the given S256 challenge
func AuthorizeParams(challenge string) url.Values {
	return url.Values{
		"client_id":             {ClientIDAuthorizationCode},
		"redirect_uri":          {RedirectURI},
		"response_type":         {"code"},
		"scope":                 {"openid " + APIScope1},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"xyz"},
		"nonce":                 {"n-0S6_WzA2Mj"},
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want any) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertStringContains fails the test if s does not contain substr
func AssertStringContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("string %q does not contain %q", s, substr)
	}
}

// AssertTimeEqual asserts two times are equal within a tolerance
func AssertTimeEqual(t *testing.T, got, want time.Time, tolerance time.Duration) {
	t.Helper()
	diff := got.Sub(want)
	if diff < 0 {
		diff = -diff
	}
	if diff > tolerance {
		t.Errorf("time mismatch: got %v, want %v (tolerance: %v, diff: %v)", got, want, tolerance, diff)
	}
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithForm sets a form-encoded body
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Body = form.Encode()
	r.Headers["Content-Type"] = "application/x-www-form-urlencoded"
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Body))
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
