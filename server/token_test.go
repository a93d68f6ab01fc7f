package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/tokenrequest"
)

// authorizeCode runs an authenticated authorize request and returns the issued code
func authorizeCode(t *testing.T, f *fixture, params url.Values) string {
	t.Helper()
	result, err := f.srv.Authorize(context.Background(), params, ticketNow(), "")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if result.Response == nil {
		t.Fatalf("expected a client response, got redirect %q", result.Redirect)
	}
	code := result.Response.Params.Get(protocol.ParamCode)
	if code == "" {
		t.Fatalf("no code in response: %v", result.Response.Params)
	}
	return code
}

func codeForm(code, verifier string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {testutil.RedirectURI},
		"code_verifier": {verifier},
	}
}

func wantTokenError(t *testing.T, err error, code, reason string) *tokenrequest.Error {
	t.Helper()
	var terr *tokenrequest.Error
	if !errors.As(err, &terr) {
		t.Fatalf("Token() error = %v, want *tokenrequest.Error", err)
	}
	if terr.Protocol.Code != code {
		t.Errorf("error = %q, want %q", terr.Protocol.Code, code)
	}
	if reason != "" && terr.Reason != reason {
		t.Errorf("Reason = %q, want %q", terr.Reason, reason)
	}
	return terr
}

func TestToken_AuthorizationCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorizeCode(t, f, testutil.AuthorizeParams(challenge))

	resp, err := f.srv.Token(ctx, basicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret), codeForm(code, verifier), "10.0.0.1")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" || resp.IDToken == "" {
		t.Errorf("AccessToken = %q, IDToken = %q, want both", resp.AccessToken, resp.IDToken)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", resp.TokenType)
	}
	if resp.RefreshToken != "" {
		t.Error("no refresh token without offline_access")
	}
	if resp.Scope != "openid "+testutil.APIScope1 {
		t.Errorf("Scope = %q", resp.Scope)
	}

	// A code is single use
	_, err = f.srv.Token(ctx, basicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret), codeForm(code, verifier), "10.0.0.1")
	wantTokenError(t, err, protocol.ErrorInvalidGrant, tokenrequest.ReasonCodeNotFound)
}

func TestToken_Errors(t *testing.T) {
	tests := []struct {
		name       string
		header     func() http.Header
		mutate     func(url.Values)
		wantCode   string
		wantReason string
		wantBasic  bool
	}{
		{
			name:       "wrong secret",
			header:     func() http.Header { return basicAuth(testutil.ClientIDAuthorizationCode, "wrong") },
			mutate:     func(url.Values) {},
			wantCode:   protocol.ErrorInvalidClient,
			wantReason: tokenrequest.ReasonClientAuthentication,
			wantBasic:  true,
		},
		{
			name:       "wrong verifier",
			header:     func() http.Header { return basicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret) },
			mutate:     func(f url.Values) { f.Set("code_verifier", testutil.GenerateRandomString(50)) },
			wantCode:   protocol.ErrorInvalidGrant,
			wantReason: tokenrequest.ReasonPKCE,
		},
		{
			name:       "redirect uri mismatch",
			header:     func() http.Header { return basicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret) },
			mutate:     func(f url.Values) { f.Set("redirect_uri", "https://localhost:5000/other") },
			wantCode:   protocol.ErrorInvalidGrant,
			wantReason: tokenrequest.ReasonRedirectURI,
		},
		{
			name:       "unsupported grant type",
			header:     func() http.Header { return basicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret) },
			mutate:     func(f url.Values) { f.Set("grant_type", "password") },
			wantCode:   protocol.ErrorUnsupportedGrantType,
			wantReason: tokenrequest.ReasonGrantType,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			challenge, verifier := testutil.GeneratePKCEPair()
			code := authorizeCode(t, f, testutil.AuthorizeParams(challenge))
			form := codeForm(code, verifier)
			tt.mutate(form)

			_, err := f.srv.Token(context.Background(), tt.header(), form, "")
			terr := wantTokenError(t, err, tt.wantCode, tt.wantReason)
			if terr.Basic != tt.wantBasic {
				t.Errorf("Basic = %v, want %v", terr.Basic, tt.wantBasic)
			}
		})
	}
}

func TestToken_RefreshRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()
	params := testutil.AuthorizeParams(challenge)
	params.Set("scope", "openid offline_access "+testutil.APIScope1)
	code := authorizeCode(t, f, params)
	header := basicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret)

	first, err := f.srv.Token(ctx, header, codeForm(code, verifier), "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if first.RefreshToken == "" {
		t.Fatal("offline_access should yield a refresh token")
	}

	refreshForm := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	}
	second, err := f.srv.Token(ctx, header, refreshForm, "")
	if err != nil {
		t.Fatalf("Token() refresh error = %v", err)
	}
	if second.RefreshToken == "" || second.RefreshToken == first.RefreshToken {
		t.Errorf("RefreshToken = %q, want a rotated token", second.RefreshToken)
	}

	// The rotated-out token is no longer accepted
	_, err = f.srv.Token(ctx, header, refreshForm, "")
	wantTokenError(t, err, protocol.ErrorInvalidGrant, "")

	// Narrowing scope on refresh is allowed, widening is not
	narrow := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {second.RefreshToken},
		"scope":         {"openid profile"},
	}
	_, err = f.srv.Token(ctx, header, narrow, "")
	wantTokenError(t, err, protocol.ErrorInvalidScope, tokenrequest.ReasonScope)
}

func TestToken_RefreshForDisabledSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()
	params := testutil.AuthorizeParams(challenge)
	params.Set("scope", "openid offline_access")
	code := authorizeCode(t, f, params)
	header := basicAuth(testutil.ClientIDAuthorizationCode, testutil.ClientSecret)

	resp, err := f.srv.Token(ctx, header, codeForm(code, verifier), "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	f.profiles.Put(identity.Profile{SubjectID: testutil.SubjectID, Active: false})

	_, err = f.srv.Token(ctx, header, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
	}, "")
	wantTokenError(t, err, protocol.ErrorInvalidGrant, tokenrequest.ReasonInactiveSubject)
}

func TestToken_ClientCredentials(t *testing.T) {
	f := newFixture(t)

	resp, err := f.srv.Token(context.Background(), http.Header{}, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {testutil.ClientIDClientCredentials},
		"client_secret": {testutil.ClientSecret},
		"scope":         {testutil.APIScope2},
	}, "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("AccessToken should be set")
	}
	if resp.RefreshToken != "" || resp.IDToken != "" {
		t.Error("client credentials never yield refresh or id tokens")
	}
	if resp.Scope != testutil.APIScope2 {
		t.Errorf("Scope = %q, want %q", resp.Scope, testutil.APIScope2)
	}
}

func TestToken_PublicClientWithConsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()
	ticket := ticketNow()

	result, err := f.srv.Authorize(ctx, publicClientParams(challenge), ticket, "")
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	id := redirectParam(t, result, f.srv.Config().ConsentURL, ParamAuthorizeRequestID)
	if err := f.srv.GrantConsent(ctx, id, *ticket, []string{"openid", testutil.APIScope1}, false); err != nil {
		t.Fatalf("GrantConsent() error = %v", err)
	}
	result, err = f.srv.AuthorizeCallback(ctx, id, ticket, "")
	if err != nil {
		t.Fatalf("AuthorizeCallback() error = %v", err)
	}
	if result.Response == nil {
		t.Fatalf("expected a client response, got redirect %q", result.Redirect)
	}

	resp, err := f.srv.Token(ctx, http.Header{}, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {testutil.ClientIDPublic},
		"code":          {result.Response.Params.Get(protocol.ParamCode)},
		"redirect_uri":  {"http://127.0.0.1:7890/callback"},
		"code_verifier": {verifier},
	}, "")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if resp.AccessToken == "" {
		t.Error("AccessToken should be set")
	}
}
