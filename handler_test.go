package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/storage/memory"
)

const (
	loginURL   = "https://ui.example.com/login"
	consentURL = "https://ui.example.com/consent"
	errorURL   = "https://ui.example.com/error"
)

var sessionKey = []byte("0123456789abcdef0123456789abcdef")

type testHandler struct {
	handler  *Handler
	mux      *http.ServeMux
	sessions *identity.SessionCookieAuthenticator
}

func setupTestHandler(t *testing.T, config *Config) *testHandler {
	t.Helper()

	catalog := memory.NewCatalog(storage.RedirectURIPolicy{})
	for _, c := range []*storage.Client{testutil.AuthorizationCodeClient(), testutil.ClientCredentialsClient()} {
		if err := catalog.AddClient(c); err != nil {
			t.Fatalf("AddClient() error = %v", err)
		}
	}
	if err := catalog.AddScopes(testutil.Scopes()...); err != nil {
		t.Fatalf("AddScopes() error = %v", err)
	}
	if err := catalog.AddResources(testutil.Resources()...); err != nil {
		t.Fatalf("AddResources() error = %v", err)
	}

	store := memory.New()
	t.Cleanup(store.Stop)

	sessions, err := identity.NewSessionCookieAuthenticator(identity.SessionCookieConfig{
		Key:    sessionKey,
		Issuer: testutil.Issuer,
	}, nil)
	if err != nil {
		t.Fatalf("NewSessionCookieAuthenticator() error = %v", err)
	}

	srv, err := server.New(server.Dependencies{
		Clients:   catalog,
		Resources: catalog,
		Store:     store,
		Keys:      testutil.KeyStore(t),
		Profiles:  identity.NewStaticProfiles(identity.Profile{SubjectID: testutil.SubjectID, Active: true}),
		Sessions:  sessions,
	}, &server.Config{
		Issuer:     testutil.Issuer,
		LoginURL:   loginURL,
		ConsentURL: consentURL,
		ErrorURL:   errorURL,
	}, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	handler := NewHandler(srv, config, nil)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &testHandler{handler: handler, mux: mux, sessions: sessions}
}

// sessionCookie returns the cookie the login UI would set
func (th *testHandler) sessionCookie(t *testing.T) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	if err := th.sessions.IssueCookie(w, testutil.EssentialClaims(time.Now())); err != nil {
		t.Fatalf("IssueCookie() error = %v", err)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("IssueCookie() set %d cookies, want 1", len(cookies))
	}
	return cookies[0]
}

// authorizeCode runs the login round trip and returns the code delivered to the client
func (th *testHandler) authorizeCode(t *testing.T, challenge string) string {
	t.Helper()

	params := testutil.AuthorizeParams(challenge)
	req := httptest.NewRequest(http.MethodGet, "/connect/authorize?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	th.mux.ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want %d", w.Code, http.StatusFound)
	}
	login, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	requestID := login.Query().Get(server.ParamAuthorizeRequestID)
	if requestID == "" {
		t.Fatalf("login redirect %q has no request id", login)
	}

	req = httptest.NewRequest(http.MethodGet, "/connect/authorize/callback?authorize_request_id="+url.QueryEscape(requestID), nil)
	req.AddCookie(th.sessionCookie(t))
	w = httptest.NewRecorder()
	th.mux.ServeHTTP(w, req)
	if w.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want %d", w.Code, http.StatusFound)
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if !strings.HasPrefix(location.String(), testutil.RedirectURI) {
		t.Fatalf("Location = %q, want the client redirect uri", location)
	}
	if got := location.Query().Get("iss"); got != testutil.Issuer {
		t.Errorf("iss = %q, want %q", got, testutil.Issuer)
	}
	return location.Query().Get("code")
}

func tokenRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/connect/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.0.2.10:4711"
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return resp
}

func TestNewHandler(t *testing.T) {
	th := setupTestHandler(t, nil)

	if th.handler.logger == nil {
		t.Error("logger should not be nil")
	}
	if th.handler.RateLimiter() == nil {
		t.Error("rate limiting should be enabled by default")
	}
	if th.handler.config.MaxFormBytes != DefaultMaxFormBytes {
		t.Errorf("MaxFormBytes = %d, want %d", th.handler.config.MaxFormBytes, DefaultMaxFormBytes)
	}

	th = setupTestHandler(t, &Config{RateLimit: RateLimitConfig{Disabled: true}})
	if th.handler.RateLimiter() != nil {
		t.Error("RateLimiter() should be nil when disabled")
	}
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	th := setupTestHandler(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := th.authorizeCode(t, challenge)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"code_verifier": {verifier},
	}
	req := tokenRequest(form)
	req.SetBasicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret)
	w := httptest.NewRecorder()
	th.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body = %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	var tokens map[string]any
	if err := json.NewDecoder(w.Body).Decode(&tokens); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	for _, field := range []string{"access_token", "id_token", "token_type", "expires_in"} {
		if _, ok := tokens[field]; !ok {
			t.Errorf("token response has no %s", field)
		}
	}
	if tokens["iss"] != testutil.Issuer {
		t.Errorf("iss = %v, want %q", tokens["iss"], testutil.Issuer)
	}

	// Replaying the code fails
	req = tokenRequest(form)
	req.SetBasicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret)
	w = httptest.NewRecorder()
	th.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replay status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if got := decodeError(t, w).Error; got != "invalid_grant" {
		t.Errorf("error = %q, want invalid_grant", got)
	}
}

func TestHandler_AuthorizeErrorPage(t *testing.T) {
	th := setupTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/connect/authorize?client_id=unknown&response_type=code", nil)
	w := httptest.NewRecorder()
	th.mux.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusFound)
	}
	location := w.Header().Get("Location")
	if !strings.HasPrefix(location, errorURL+"?error_id=") {
		t.Errorf("Location = %q, want the error UI", location)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestHandler_AuthorizePost(t *testing.T) {
	th := setupTestHandler(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()
	params := testutil.AuthorizeParams(challenge)
	params.Set("response_mode", "form_post")

	req := httptest.NewRequest(http.MethodPost, "/connect/authorize", strings.NewReader(params.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(th.sessionCookie(t))
	w := httptest.NewRecorder()
	th.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if !strings.Contains(body, `action="`+testutil.RedirectURI+`"`) {
		t.Errorf("form_post body does not post to the redirect uri: %s", body)
	}
	if !strings.Contains(body, `name="code"`) {
		t.Error("form_post body has no code")
	}
	if csp := w.Header().Get("Content-Security-Policy"); !strings.Contains(csp, "form-action") {
		t.Errorf("Content-Security-Policy = %q, want the form_post policy", csp)
	}
}

func TestHandler_TokenErrors(t *testing.T) {
	tests := []struct {
		name          string
		request       func() *http.Request
		wantStatus    int
		wantError     string
		wantChallenge bool
	}{
		{
			name: "wrong basic secret",
			request: func() *http.Request {
				req := tokenRequest(url.Values{"grant_type": {"client_credentials"}})
				req.SetBasicAuth(testutil.ClientIDClientCredentials, "wrong")
				return req
			},
			wantStatus:    http.StatusUnauthorized,
			wantError:     "invalid_client",
			wantChallenge: true,
		},
		{
			name: "wrong post secret",
			request: func() *http.Request {
				return tokenRequest(url.Values{
					"grant_type":    {"client_credentials"},
					"client_id":     {testutil.ClientIDClientCredentials},
					"client_secret": {"wrong"},
				})
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_client",
		},
		{
			name: "json body",
			request: func() *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/connect/token", strings.NewReader(`{"grant_type":"client_credentials"}`))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name: "unsupported grant type",
			request: func() *http.Request {
				return tokenRequest(url.Values{
					"grant_type":    {"password"},
					"client_id":     {testutil.ClientIDClientCredentials},
					"client_secret": {testutil.ClientSecret},
				})
			},
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := setupTestHandler(t, nil)
			w := httptest.NewRecorder()
			th.mux.ServeHTTP(w, tt.request())

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := decodeError(t, w).Error; got != tt.wantError {
				t.Errorf("error = %q, want %q", got, tt.wantError)
			}
			challenge := w.Header().Get("WWW-Authenticate")
			if tt.wantChallenge != strings.HasPrefix(challenge, "Basic") {
				t.Errorf("WWW-Authenticate = %q, want challenge %v", challenge, tt.wantChallenge)
			}
			if got := w.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
		})
	}
}

func TestHandler_ClientCredentials(t *testing.T) {
	th := setupTestHandler(t, nil)

	w := httptest.NewRecorder()
	th.mux.ServeHTTP(w, tokenRequest(url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {testutil.ClientIDClientCredentials},
		"client_secret": {testutil.ClientSecret},
		"scope":         {testutil.APIScope1},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var tokens map[string]any
	if err := json.NewDecoder(w.Body).Decode(&tokens); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if tokens["scope"] != testutil.APIScope1 {
		t.Errorf("scope = %v, want %q", tokens["scope"], testutil.APIScope1)
	}
	if _, ok := tokens["refresh_token"]; ok {
		t.Error("client credentials never yield a refresh token")
	}
}

func TestHandler_TokenRateLimit(t *testing.T) {
	th := setupTestHandler(t, &Config{RateLimit: RateLimitConfig{Rate: 0.001, Burst: 2}})
	form := url.Values{"grant_type": {"client_credentials"}}

	for i := range 2 {
		w := httptest.NewRecorder()
		th.mux.ServeHTTP(w, tokenRequest(form))
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d was rate limited", i)
		}
	}

	w := httptest.NewRecorder()
	th.mux.ServeHTTP(w, tokenRequest(form))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}
	if got := decodeError(t, w).Error; got != ErrorCodeRateLimitExceeded {
		t.Errorf("error = %q, want %q", got, ErrorCodeRateLimitExceeded)
	}

	// Another client IP has its own bucket
	req := tokenRequest(form)
	req.RemoteAddr = "192.0.2.11:4711"
	w = httptest.NewRecorder()
	th.mux.ServeHTTP(w, req)
	if w.Code == http.StatusTooManyRequests {
		t.Error("a different IP should not be rate limited")
	}
}

func TestHandler_Documents(t *testing.T) {
	th := setupTestHandler(t, nil)

	tests := []struct {
		path     string
		wantKeys []string
	}{
		{path: "/.well-known/openid-configuration", wantKeys: []string{"issuer", "authorization_endpoint", "jwks_uri"}},
		{path: "/.well-known/openid-configuration/jwks", wantKeys: []string{"keys"}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			th.mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			if got := w.Header().Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q", got)
			}
			var doc map[string]any
			if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			for _, key := range tt.wantKeys {
				if _, ok := doc[key]; !ok {
					t.Errorf("document has no %s", key)
				}
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	th := setupTestHandler(t, nil)

	tests := []struct {
		method string
		path   string
	}{
		{method: http.MethodGet, path: "/connect/token"},
		{method: http.MethodPost, path: "/connect/authorize/callback"},
		{method: http.MethodDelete, path: "/connect/authorize"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			th.mux.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
			}
		})
	}
}
