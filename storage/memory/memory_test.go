package memory

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/storage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, *testutil.MockTime) {
	t.Helper()
	clock := testutil.NewMockTime(testNow)
	store := New()
	store.SetClock(clock.Now)
	t.Cleanup(store.Stop)
	return store, clock
}

func testCode(handle string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Handle:              handle,
		ClientID:            testutil.ClientIDAuthorizationCode,
		Claims:              testutil.EssentialClaims(testNow),
		Scopes:              []string{"openid", testutil.APIScope1},
		OriginalRedirectURI: testutil.RedirectURI,
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		IssuedAt:            testNow,
		ExpiresAt:           testNow.Add(5 * time.Minute),
	}
}

// ============================================================
// AuthorizeRequestStore Tests
// ============================================================

func TestStore_AuthorizeRequest(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	req := &storage.AuthorizeRequest{
		ID:                 "req-1",
		Parameters:         url.Values{"client_id": {"web"}},
		InitialRequestDate: testNow,
		CreatedAt:          testNow,
		ExpiresAt:          testNow.Add(10 * time.Minute),
	}
	if err := store.CreateAuthorizeRequest(ctx, req); err != nil {
		t.Fatalf("CreateAuthorizeRequest() error = %v", err)
	}

	// Mutating the caller's copy must not affect the stored record
	req.Parameters.Set("client_id", "evil")

	got, err := store.FindAuthorizeRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("FindAuthorizeRequest() error = %v", err)
	}
	if got.Parameters.Get("client_id") != "web" {
		t.Errorf("client_id = %q, want web", got.Parameters.Get("client_id"))
	}

	clock.Advance(10 * time.Minute)
	if _, err := store.FindAuthorizeRequest(ctx, "req-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FindAuthorizeRequest() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestStore_CreateAuthorizeRequest_NoID(t *testing.T) {
	store, _ := newTestStore(t)

	if err := store.CreateAuthorizeRequest(context.Background(), &storage.AuthorizeRequest{}); err == nil {
		t.Error("CreateAuthorizeRequest() without id should return error")
	}
}

func TestStore_AuthorizeRequestError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	e := &storage.AuthorizeRequestError{ID: "err-1", Code: "invalid_request", ExpiresAt: testNow.Add(time.Minute)}
	if err := store.CreateAuthorizeRequestError(ctx, e); err != nil {
		t.Fatalf("CreateAuthorizeRequestError() error = %v", err)
	}
	got, err := store.FindAuthorizeRequestError(ctx, "err-1")
	if err != nil {
		t.Fatalf("FindAuthorizeRequestError() error = %v", err)
	}
	if got.Code != "invalid_request" {
		t.Errorf("Code = %q, want invalid_request", got.Code)
	}
	if err := store.DeleteAuthorizeRequestError(ctx, "err-1"); err != nil {
		t.Fatalf("DeleteAuthorizeRequestError() error = %v", err)
	}
	if _, err := store.FindAuthorizeRequestError(ctx, "err-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FindAuthorizeRequestError() after delete error = %v, want ErrNotFound", err)
	}
}

// ============================================================
// Consent Tests
// ============================================================

func TestStore_AuthorizeRequestConsent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	ids := storage.Identifiers{SubjectID: "alice", SessionID: "s1"}

	err := store.GrantAuthorizeRequestConsent(ctx, "req-1", ids,
		storage.ConsentGranted{Scopes: []string{"openid"}, Remember: true}, testNow, testNow.Add(time.Minute))
	if err != nil {
		t.Fatalf("GrantAuthorizeRequestConsent() error = %v", err)
	}

	got, err := store.FindAuthorizeRequestConsent(ctx, "req-1", ids)
	if err != nil {
		t.Fatalf("FindAuthorizeRequestConsent() error = %v", err)
	}
	granted, ok := got.Decision.(storage.ConsentGranted)
	if !ok {
		t.Fatalf("Decision = %T, want ConsentGranted", got.Decision)
	}
	if !granted.Remember || len(granted.Scopes) != 1 {
		t.Errorf("Decision = %+v", granted)
	}

	// Another session of the same subject does not see the decision
	other := storage.Identifiers{SubjectID: "alice", SessionID: "s2"}
	if _, err := store.FindAuthorizeRequestConsent(ctx, "req-1", other); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FindAuthorizeRequestConsent(other session) error = %v, want ErrNotFound", err)
	}

	// Denial replaces the grant
	if err := store.DenyAuthorizeRequestConsent(ctx, "req-1", ids, testNow, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("DenyAuthorizeRequestConsent() error = %v", err)
	}
	got, err = store.FindAuthorizeRequestConsent(ctx, "req-1", ids)
	if err != nil {
		t.Fatalf("FindAuthorizeRequestConsent() error = %v", err)
	}
	if _, ok := got.Decision.(storage.ConsentDenied); !ok {
		t.Errorf("Decision = %T, want ConsentDenied", got.Decision)
	}
}

func TestStore_GrantedConsent(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	consent := &storage.GrantedConsent{
		SubjectID: "alice",
		ClientID:  "web",
		Scopes:    []string{"openid", "api"},
		CreatedAt: testNow,
		ExpiresAt: testNow.Add(time.Hour),
	}
	if err := store.UpsertGrantedConsent(ctx, consent); err != nil {
		t.Fatalf("UpsertGrantedConsent() error = %v", err)
	}

	consent.Scopes = []string{"openid"}
	consent.ExpiresAt = time.Time{}
	if err := store.UpsertGrantedConsent(ctx, consent); err != nil {
		t.Fatalf("UpsertGrantedConsent() error = %v", err)
	}

	clock.Advance(2 * time.Hour)
	got, err := store.FindGrantedConsent(ctx, "alice", "web")
	if err != nil {
		t.Fatalf("FindGrantedConsent() error = %v", err)
	}
	if len(got.Scopes) != 1 {
		t.Errorf("Scopes = %v, want [openid]", got.Scopes)
	}

	if err := store.UpsertGrantedConsent(ctx, &storage.GrantedConsent{SubjectID: "alice"}); err == nil {
		t.Error("UpsertGrantedConsent() without client should return error")
	}
}

// ============================================================
// AuthorizationCodeStore Tests
// ============================================================

func TestStore_AuthorizationCode_ConsumeOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateAuthorizationCode(ctx, testCode("code-1")); err != nil {
		t.Fatalf("CreateAuthorizationCode() error = %v", err)
	}
	if err := store.CreateAuthorizationCode(ctx, testCode("code-1")); err == nil {
		t.Error("CreateAuthorizationCode() with duplicate handle should return error")
	}

	got, err := store.ConsumeAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode() error = %v", err)
	}
	if got.ClientID != testutil.ClientIDAuthorizationCode {
		t.Errorf("ClientID = %q", got.ClientID)
	}

	if _, err := store.ConsumeAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeAuthorizationCode() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Expired(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateAuthorizationCode(ctx, testCode("code-1")); err != nil {
		t.Fatalf("CreateAuthorizationCode() error = %v", err)
	}
	clock.Advance(5 * time.Minute)

	if _, err := store.ConsumeAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want ErrNotFound", err)
	}
	// the expired code is gone as well
	if _, err := store.FindAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FindAuthorizationCode() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ConsumeAuthorizationCode_Concurrent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateAuthorizationCode(ctx, testCode("code-1")); err != nil {
		t.Fatalf("CreateAuthorizationCode() error = %v", err)
	}

	const numGoroutines = 20
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeAuthorizationCode(ctx, "code-1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful redemptions = %d, want 1", wins.Load())
	}
}

// ============================================================
// Token Tests
// ============================================================

func TestStore_AccessToken(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	token := &storage.AccessToken{
		Handle:    "at-1",
		ClientID:  testutil.ClientIDClientCredentials,
		Scopes:    []string{testutil.APIScope1},
		IssuedAt:  testNow,
		ExpiresAt: testNow.Add(time.Hour),
	}
	if err := store.CreateAccessToken(ctx, token); err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	got, err := store.FindAccessToken(ctx, "at-1")
	if err != nil {
		t.Fatalf("FindAccessToken() error = %v", err)
	}
	if got.Claims != nil {
		t.Error("client credentials token should carry no claims")
	}

	clock.Advance(time.Hour)
	if _, err := store.FindAccessToken(ctx, "at-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FindAccessToken() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestStore_RefreshToken_SlidingUpdate(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	token := &storage.RefreshToken{
		Handle:            "rt-1",
		ClientID:          testutil.ClientIDPublic,
		Claims:            testutil.EssentialClaims(testNow),
		IssuedAt:          testNow,
		ExpiresAt:         testNow.Add(time.Hour),
		AbsoluteExpiresAt: testNow.Add(24 * time.Hour),
	}
	if err := store.CreateRefreshToken(ctx, token); err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}

	clock.Advance(30 * time.Minute)
	if err := store.UpdateRefreshTokenExpiration(ctx, "rt-1", clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("UpdateRefreshTokenExpiration() error = %v", err)
	}

	clock.Advance(45 * time.Minute)
	got, err := store.FindRefreshToken(ctx, "rt-1")
	if err != nil {
		t.Fatalf("FindRefreshToken() after slide error = %v", err)
	}
	if !got.ExpiresAt.Equal(testNow.Add(90 * time.Minute)) {
		t.Errorf("ExpiresAt = %v", got.ExpiresAt)
	}

	if err := store.UpdateRefreshTokenExpiration(ctx, "missing", testNow); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateRefreshTokenExpiration(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ConsumeRefreshToken(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateRefreshToken(ctx, &storage.RefreshToken{Handle: "rt-1", ExpiresAt: testNow.Add(time.Hour)}); err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}
	if _, err := store.ConsumeRefreshToken(ctx, "rt-1"); err != nil {
		t.Fatalf("ConsumeRefreshToken() error = %v", err)
	}
	if _, err := store.ConsumeRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second ConsumeRefreshToken() error = %v, want ErrNotFound", err)
	}
}

// ============================================================
// Transaction Tests
// ============================================================

func TestStore_WithinTransaction_Rollback(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateAuthorizationCode(ctx, testCode("code-1")); err != nil {
		t.Fatalf("CreateAuthorizationCode() error = %v", err)
	}
	if err := store.CreateAuthorizeRequest(ctx, &storage.AuthorizeRequest{ID: "req-1"}); err != nil {
		t.Fatalf("CreateAuthorizeRequest() error = %v", err)
	}

	boom := errors.New("boom")
	err := store.WithinTransaction(ctx, func(ctx context.Context) error {
		if _, err := store.ConsumeAuthorizationCode(ctx, "code-1"); err != nil {
			return err
		}
		if err := store.CreateAccessToken(ctx, &storage.AccessToken{Handle: "at-1"}); err != nil {
			return err
		}
		if err := store.DeleteAuthorizeRequest(ctx, "req-1"); err != nil {
			return err
		}
		// nested calls join the outer transaction
		return store.WithinTransaction(ctx, func(ctx context.Context) error {
			if err := store.CreateRefreshToken(ctx, &storage.RefreshToken{Handle: "rt-1"}); err != nil {
				return err
			}
			return boom
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithinTransaction() error = %v, want boom", err)
	}

	if _, err := store.FindAccessToken(ctx, "at-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("access token should be rolled back")
	}
	if _, err := store.FindRefreshToken(ctx, "rt-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("refresh token should be rolled back")
	}
	if _, err := store.FindAuthorizeRequest(ctx, "req-1"); err != nil {
		t.Errorf("authorize request should be restored, error = %v", err)
	}
	if _, err := store.FindAuthorizationCode(ctx, "code-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("a consumed code must stay consumed after rollback")
	}
	if store.accessTokensCount.Load() != 0 || store.requestsCount.Load() != 1 {
		t.Errorf("counters not resynchronised: access=%d requests=%d",
			store.accessTokensCount.Load(), store.requestsCount.Load())
	}
}

func TestStore_WithinTransaction_Commit(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.WithinTransaction(ctx, func(ctx context.Context) error {
		return store.CreateAccessToken(ctx, &storage.AccessToken{Handle: "at-1"})
	})
	if err != nil {
		t.Fatalf("WithinTransaction() error = %v", err)
	}
	if _, err := store.FindAccessToken(ctx, "at-1"); err != nil {
		t.Errorf("FindAccessToken() error = %v", err)
	}
}

func TestStore_CancelledContext(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.CreateAccessToken(ctx, &storage.AccessToken{Handle: "at-1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("CreateAccessToken() error = %v, want context.Canceled", err)
	}
	if _, err := store.ConsumeAuthorizationCode(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("ConsumeAuthorizationCode() error = %v, want context.Canceled", err)
	}
	called := false
	err := store.WithinTransaction(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Errorf("WithinTransaction() error = %v, called = %v", err, called)
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	if err := store.CreateAuthorizationCode(ctx, testCode("code-1")); err != nil {
		t.Fatalf("CreateAuthorizationCode() error = %v", err)
	}
	if err := store.CreateRefreshToken(ctx, &storage.RefreshToken{Handle: "rt-forever"}); err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}

	// within the grace period the entry survives the purge
	clock.Advance(5*time.Minute + time.Second)
	store.cleanup()
	if _, ok := store.codes["code-1"]; !ok {
		t.Error("code within grace period should not be purged")
	}

	clock.Advance(time.Minute)
	store.cleanup()
	if _, ok := store.codes["code-1"]; ok {
		t.Error("expired code should be purged")
	}
	if _, ok := store.refreshTokens["rt-forever"]; !ok {
		t.Error("token without expiration should not be purged")
	}
	if store.codesCount.Load() != 0 {
		t.Errorf("codesCount = %d, want 0", store.codesCount.Load())
	}
}

func TestStore_CleanupLoop(t *testing.T) {
	store := NewWithInterval(50 * time.Millisecond)
	defer store.Stop()
	ctx := context.Background()

	code := testCode("code-1")
	code.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.CreateAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("CreateAuthorizationCode() error = %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	store.mu.RLock()
	_, ok := store.codes["code-1"]
	store.mu.RUnlock()
	if ok {
		t.Error("expired authorization code should be cleaned up")
	}
}

func TestStore_StopTwice(t *testing.T) {
	store := New()
	store.Stop()
	store.Stop()
}

func TestStore_SetLogger(t *testing.T) {
	store, _ := newTestStore(t)
	store.SetLogger(slog.New(slog.DiscardHandler))
	store.SetLogger(nil)

	if store.logger == nil {
		t.Error("SetLogger(nil) should keep the existing logger")
	}
}

// ============================================================
// Catalog Tests
// ============================================================

func TestCatalog_FindEnabledClient(t *testing.T) {
	catalog := NewCatalog(storage.RedirectURIPolicy{})
	ctx := context.Background()

	if err := catalog.AddClient(testutil.AuthorizationCodeClient()); err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}
	disabled := testutil.PublicClient()
	disabled.Enabled = false
	if err := catalog.AddClient(disabled); err != nil {
		t.Fatalf("AddClient() error = %v", err)
	}

	if _, err := catalog.FindEnabledClient(ctx, testutil.ClientIDAuthorizationCode); err != nil {
		t.Errorf("FindEnabledClient() error = %v", err)
	}
	if _, err := catalog.FindEnabledClient(ctx, testutil.ClientIDPublic); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FindEnabledClient(disabled) error = %v, want ErrNotFound", err)
	}
	if _, err := catalog.FindEnabledClient(ctx, "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("FindEnabledClient(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestCatalog_AddClient_Invalid(t *testing.T) {
	catalog := NewCatalog(storage.RedirectURIPolicy{})

	client := testutil.AuthorizationCodeClient()
	client.RedirectURIs = []string{"javascript:alert(1)"}
	if err := catalog.AddClient(client); err == nil {
		t.Error("AddClient() with dangerous redirect URI should return error")
	}
	if err := catalog.AddClient(nil); err == nil {
		t.Error("AddClient(nil) should return error")
	}
}

func TestCatalog_Resources(t *testing.T) {
	catalog := NewCatalog(storage.RedirectURIPolicy{})
	ctx := context.Background()

	if err := catalog.AddScopes(testutil.Scopes()...); err != nil {
		t.Fatalf("AddScopes() error = %v", err)
	}
	if err := catalog.AddResources(testutil.Resources()...); err != nil {
		t.Fatalf("AddResources() error = %v", err)
	}

	scopes, resources, err := catalog.FindScopesAndResources(ctx, []string{"openid", testutil.APIScope1, "unknown"})
	if err != nil {
		t.Fatalf("FindScopesAndResources() error = %v", err)
	}
	if len(scopes) != 2 {
		t.Errorf("got %d scopes, want 2", len(scopes))
	}
	if len(resources) != 1 || resources[0].Name != testutil.Resource1 {
		t.Errorf("resources = %v", resources)
	}

	discovery, claims, err := catalog.FindDiscoveryResources(ctx, []string{"id_token"})
	if err != nil {
		t.Fatalf("FindDiscoveryResources() error = %v", err)
	}
	if len(discovery) != 2 {
		t.Errorf("got %d discovery scopes, want 2", len(discovery))
	}
	if len(claims) != 4 {
		t.Errorf("claims = %v, want sub, name, family_name, given_name", claims)
	}

	if err := catalog.AddScopes(storage.Scope{Name: "bad", TokenType: "refresh_token"}); err == nil {
		t.Error("AddScopes() with unknown token type should return error")
	}
}
