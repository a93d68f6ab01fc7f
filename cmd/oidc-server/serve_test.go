package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giantswarm/oidc-server/response"
	"github.com/giantswarm/oidc-server/server"
)

const (
	testRedirectURI   = "https://app.example.com/callback"
	testMachineSecret = "machine-secret"
	testWebSecret     = "web-secret"
)

func testFileConfig(issuer string) *fileConfig {
	audit := false
	cfg := &fileConfig{
		Issuer:    issuer,
		UI:        uiConfig{Dev: true},
		Session:   sessionConfig{Key: base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))), Insecure: true},
		RateLimit: rateLimitConfig{Disabled: true},
		Audit:     &audit,
		Clients: []clientConfig{
			{
				ClientID:          "machine",
				AllowedScopes:     []string{"api1"},
				AllowedGrantTypes: []string{"client_credentials"},
				Secrets:           []string{testMachineSecret},
			},
			{
				ClientID:          "web",
				ClientName:        "Web App",
				RedirectURIs:      []string{testRedirectURI},
				AllowedScopes:     []string{"openid", "profile", "api1"},
				AllowedGrantTypes: []string{"authorization_code", "refresh_token"},
				Secrets:           []string{testWebSecret},
			},
			{
				ClientID:          "consenting",
				ClientName:        "Needs Consent",
				RedirectURIs:      []string{testRedirectURI},
				AllowedScopes:     []string{"openid", "api1"},
				AllowedGrantTypes: []string{"authorization_code"},
				RequireConsent:    true,
				Secrets:           []string{testWebSecret},
			},
		},
		Scopes: []scopeConfig{
			{Name: "openid", TokenType: "id_token", Required: true, Claims: []string{"sub"}},
			{Name: "profile", TokenType: "id_token", Claims: []string{"name"}},
			{Name: "api1", TokenType: "access_token", DisplayName: "API one"},
		},
		Resources: []resourceConfig{{Name: "api", Scopes: []string{"api1"}}},
		Profiles: []profileConfig{
			{SubjectID: "alice", Claims: map[string]any{"name": "Alice"}},
			{SubjectID: "mallory", Disabled: true},
		},
	}
	cfg.applyDefaults()
	return cfg
}

// startTestServer serves the fully wired router on a loopback issuer
func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	ts := httptest.NewUnstartedServer(nil)
	cfg := testFileConfig("http://" + ts.Listener.Addr().String())
	require.NoError(t, cfg.validate())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(a.close)

	ts.Config.Handler = newRouter(a, cfg, logger)
	ts.Start()
	t.Cleanup(ts.Close)
	return ts
}

// browser returns a client that keeps cookies and does not follow redirects
func browser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func redirectLocation(t *testing.T, resp *http.Response, wantStatus int) *url.URL {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	loc, err := resp.Location()
	require.NoError(t, err)
	return loc
}

func webClientConfig(ts *httptest.Server, clientID string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: testWebSecret,
		RedirectURL:  testRedirectURI,
		Scopes:       []string{"openid", "api1"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   ts.URL + response.PathAuthorize,
			TokenURL:  ts.URL + response.PathToken,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// login starts an authorize request and signs in through the development UI. It returns
// the authorize callback URL.
func login(t *testing.T, ts *httptest.Server, b *http.Client, authURL, subject string) *url.URL {
	t.Helper()

	resp, err := b.Get(authURL)
	require.NoError(t, err)
	loc := redirectLocation(t, resp, http.StatusFound)
	require.Equal(t, devUILogin, loc.Path)
	requestID := loc.Query().Get(server.ParamAuthorizeRequestID)
	require.NotEmpty(t, requestID)

	resp, err = b.PostForm(ts.URL+devUILogin, url.Values{
		server.ParamAuthorizeRequestID: {requestID},
		"subject":                      {subject},
	})
	require.NoError(t, err)
	loc = redirectLocation(t, resp, http.StatusSeeOther)
	require.Equal(t, response.PathAuthorizeCallback, loc.Path)
	return loc
}

func TestServe_ClientCredentials(t *testing.T) {
	ts := startTestServer(t)
	ctx := context.Background()

	cc := clientcredentials.Config{
		ClientID:     "machine",
		ClientSecret: testMachineSecret,
		TokenURL:     ts.URL + response.PathToken,
		Scopes:       []string{"api1"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	token, err := cc.Token(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	assert.Equal(t, "Bearer", token.Type())
	assert.False(t, token.Expiry.IsZero())

	cc.ClientSecret = "wrong"
	_, err = cc.Token(ctx)
	var rerr *oauth2.RetrieveError
	require.True(t, errors.As(err, &rerr), "got %v", err)
	assert.Equal(t, "invalid_client", rerr.ErrorCode)
}

func TestServe_AuthorizationCodeWithDevUI(t *testing.T) {
	ts := startTestServer(t)
	b := browser(t)
	conf := webClientConfig(ts, "web")

	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL("state-123", oauth2.S256ChallengeOption(verifier), oauth2.SetAuthURLParam("nonce", "n-1"))
	callback := login(t, ts, b, authURL, "alice")

	resp, err := b.Get(callback.String())
	require.NoError(t, err)
	loc := redirectLocation(t, resp, http.StatusFound)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "state-123", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	token, err := conf.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.NotEmpty(t, token.AccessToken)
	idToken, _ := token.Extra("id_token").(string)
	assert.NotEmpty(t, idToken)

	// Codes are single use.
	_, err = conf.Exchange(context.Background(), code, oauth2.VerifierOption(verifier))
	assert.Error(t, err)
}

func TestServe_ConsentDenied(t *testing.T) {
	ts := startTestServer(t)
	b := browser(t)
	conf := webClientConfig(ts, "consenting")

	verifier := oauth2.GenerateVerifier()
	callback := login(t, ts, b, conf.AuthCodeURL("s", oauth2.S256ChallengeOption(verifier)), "alice")

	resp, err := b.Get(callback.String())
	require.NoError(t, err)
	loc := redirectLocation(t, resp, http.StatusFound)
	require.Equal(t, devUIConsent, loc.Path)
	requestID := loc.Query().Get(server.ParamAuthorizeRequestID)

	resp, err = b.Get(ts.URL + loc.RequestURI())
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Needs Consent")
	assert.Contains(t, string(body), "API one")

	resp, err = b.PostForm(ts.URL+devUIConsent, url.Values{
		server.ParamAuthorizeRequestID: {requestID},
		"action":                       {"deny"},
	})
	require.NoError(t, err)
	callback = redirectLocation(t, resp, http.StatusSeeOther)

	resp, err = b.Get(callback.String())
	require.NoError(t, err)
	loc = redirectLocation(t, resp, http.StatusFound)
	assert.Equal(t, "app.example.com", loc.Host)
	assert.Equal(t, "access_denied", loc.Query().Get("error"))
	assert.Empty(t, loc.Query().Get("code"))
}

func TestServe_DevLoginRejectsInactiveProfiles(t *testing.T) {
	ts := startTestServer(t)
	b := browser(t)

	for _, subject := range []string{"mallory", "unknown", ""} {
		resp, err := b.PostForm(ts.URL+devUILogin, url.Values{
			server.ParamAuthorizeRequestID: {"any"},
			"subject":                      {subject},
		})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "subject %q", subject)
	}
}

func TestServe_OperationalEndpoints(t *testing.T) {
	ts := startTestServer(t)

	resp, err := http.Get(ts.URL + response.PathDiscovery)
	require.NoError(t, err)
	var doc struct {
		Issuer        string `json:"issuer"`
		TokenEndpoint string `json:"token_endpoint"`
		JWKSURI       string `json:"jwks_uri"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	resp.Body.Close()
	assert.Equal(t, ts.URL, doc.Issuer)
	assert.Equal(t, ts.URL+response.PathToken, doc.TokenEndpoint)

	resp, err = http.Get(doc.JWKSURI)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "metrics are disabled")

	resp, err = http.Get(ts.URL + devUIError + "?error_id=unknown")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
