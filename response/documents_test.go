package response

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/giantswarm/oidc-server/internal/testutil"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/storage/memory"
)

// countingCatalog counts discovery lookups
type countingCatalog struct {
	storage.ResourceCatalog
	calls atomic.Int32
}

func (c *countingCatalog) FindDiscoveryResources(ctx context.Context, tokenTypes []string) ([]storage.Scope, []string, error) {
	c.calls.Add(1)
	return c.ResourceCatalog.FindDiscoveryResources(ctx, tokenTypes)
}

func newCountingCatalog(t *testing.T) *countingCatalog {
	t.Helper()
	catalog := memory.NewCatalog(storage.RedirectURIPolicy{})
	if err := catalog.AddScopes(testutil.Scopes()...); err != nil {
		t.Fatalf("AddScopes() error = %v", err)
	}
	return &countingCatalog{ResourceCatalog: catalog}
}

func TestDiscoveryGenerator_Build(t *testing.T) {
	gen := NewDiscoveryGenerator(newCountingCatalog(t), testutil.KeyStore(t), 0, nil, nil)

	doc, err := gen.Build(context.Background(), "https://issuer.example.com/")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if doc.Issuer != "https://issuer.example.com/" {
		t.Errorf("Issuer = %q", doc.Issuer)
	}
	if doc.TokenEndpoint != "https://issuer.example.com/connect/token" {
		t.Errorf("TokenEndpoint = %q", doc.TokenEndpoint)
	}
	if doc.JWKSURI != "https://issuer.example.com/.well-known/openid-configuration/jwks" {
		t.Errorf("JWKSURI = %q", doc.JWKSURI)
	}
	// api_scope2 is hidden from discovery
	wantScopes := []string{"openid", "profile", "offline_access", testutil.APIScope1}
	if len(doc.ScopesSupported) != len(wantScopes) {
		t.Fatalf("ScopesSupported = %v, want %v", doc.ScopesSupported, wantScopes)
	}
	for i := range wantScopes {
		if doc.ScopesSupported[i] != wantScopes[i] {
			t.Errorf("ScopesSupported[%d] = %q, want %q", i, doc.ScopesSupported[i], wantScopes[i])
		}
	}
	if len(doc.IDTokenSigningAlgValuesSupported) != 1 || doc.IDTokenSigningAlgValuesSupported[0] != keys.AlgorithmRS256 {
		t.Errorf("IDTokenSigningAlgValuesSupported = %v", doc.IDTokenSigningAlgValuesSupported)
	}
	if doc.RequestParameterSupported || doc.RequestURIParameterSupported {
		t.Error("request objects must not be advertised")
	}
	if !doc.AuthorizationResponseIssParameterSupported {
		t.Error("iss response parameter should be advertised")
	}
}

func TestDiscoveryGenerator_Cached(t *testing.T) {
	catalog := newCountingCatalog(t)
	gen := NewDiscoveryGenerator(catalog, testutil.KeyStore(t), 0, nil, nil)
	ctx := context.Background()

	first, err := gen.Generate(ctx, testutil.Issuer)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := gen.Generate(ctx, testutil.Issuer)
			if err != nil {
				t.Errorf("Generate() error = %v", err)
				return
			}
			if string(body) != string(first) {
				t.Error("cached document differs")
			}
		}()
	}
	wg.Wait()

	if got := catalog.calls.Load(); got != 1 {
		t.Errorf("catalog calls = %d, want 1", got)
	}

	// Another issuer has its own entry
	if _, err := gen.Generate(ctx, "https://other.example.com"); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got := catalog.calls.Load(); got != 2 {
		t.Errorf("catalog calls = %d, want 2", got)
	}
}

func TestDiscoveryGenerator_CancelledContext(t *testing.T) {
	gen := NewDiscoveryGenerator(newCountingCatalog(t), testutil.KeyStore(t), 0, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gen.Generate(ctx, testutil.Issuer); err == nil {
		t.Error("Generate() with a cancelled context should fail")
	}
}

// blockingCatalog holds discovery lookups until released
type blockingCatalog struct {
	*countingCatalog
	started chan struct{}
	release chan struct{}
}

func (c *blockingCatalog) FindDiscoveryResources(ctx context.Context, tokenTypes []string) ([]storage.Scope, []string, error) {
	close(c.started)
	<-c.release
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return c.countingCatalog.FindDiscoveryResources(ctx, tokenTypes)
}

func TestDiscoveryGenerator_SharedBuildOutlivesCaller(t *testing.T) {
	catalog := &blockingCatalog{
		countingCatalog: newCountingCatalog(t),
		started:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	gen := NewDiscoveryGenerator(catalog, testutil.KeyStore(t), 0, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gen.Generate(ctx, testutil.Issuer)
		done <- err
	}()

	<-catalog.started
	cancel()
	close(catalog.release)
	if err := <-done; err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	// The document built for the cancelled caller is cached for everyone else
	if _, err := gen.Generate(context.Background(), testutil.Issuer); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got := catalog.calls.Load(); got != 1 {
		t.Errorf("catalog calls = %d, want 1", got)
	}
}

func TestJWKSGenerator_Generate(t *testing.T) {
	ec, err := keys.GenerateECDSA(keys.AlgorithmES256)
	if err != nil {
		t.Fatalf("GenerateECDSA() error = %v", err)
	}
	store, err := keys.NewMemoryStore(testutil.SigningCredential(), ec)
	if err != nil {
		t.Fatalf("NewMemoryStore() error = %v", err)
	}

	body, err := NewJWKSGenerator(store, 0, nil).Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var set struct {
		Keys []map[string]string `json:"keys"`
	}
	if err := json.Unmarshal(body, &set); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(set.Keys) != 2 {
		t.Fatalf("keys = %d, want 2", len(set.Keys))
	}

	rsaKey, ecKey := set.Keys[0], set.Keys[1]
	if rsaKey["kty"] != "RSA" || rsaKey["n"] == "" || rsaKey["e"] != "AQAB" || rsaKey["kid"] != testutil.SigningCredential().KeyID {
		t.Errorf("RSA key = %v", rsaKey)
	}
	if ecKey["kty"] != "EC" || ecKey["crv"] != "P-256" || ecKey["x"] == "" || ecKey["y"] == "" || ecKey["alg"] != "ES256" {
		t.Errorf("EC key = %v", ecKey)
	}
	for _, k := range set.Keys {
		if k["use"] != "sig" {
			t.Errorf("use = %q, want sig", k["use"])
		}
		if _, ok := k["d"]; ok {
			t.Error("private key material published")
		}
	}
}
