package security

import (
	"encoding/hex"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func TestVerifyCodeChallenge(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	s256 := oauth2.S256ChallengeFromVerifier(verifier)

	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
		want      bool
	}{
		{"S256 match", verifier, s256, PKCEMethodS256, true},
		{"S256 wrong verifier", oauth2.GenerateVerifier(), s256, PKCEMethodS256, false},
		{"S256 challenge used as plain", verifier, s256, PKCEMethodPlain, false},
		{"plain match", verifier, verifier, PKCEMethodPlain, true},
		{"plain mismatch", verifier, verifier + "x", PKCEMethodPlain, false},
		{"unknown method", verifier, verifier, "S512", false},
		{"empty verifier", "", s256, PKCEMethodS256, false},
		{"empty challenge", verifier, "", PKCEMethodS256, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyCodeChallenge(tt.verifier, tt.challenge, tt.method); got != tt.want {
				t.Errorf("VerifyCodeChallenge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeS256Challenge_RFC7636Vector(t *testing.T) {
	// Appendix B of RFC 7636
	got := ComputeS256Challenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got != want {
		t.Errorf("ComputeS256Challenge() = %q, want %q", got, want)
	}
}

func TestGenerateHandle(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		h, err := GenerateHandle()
		if err != nil {
			t.Fatalf("GenerateHandle() error = %v", err)
		}
		if len(h) != HandleSize*2 {
			t.Fatalf("len(handle) = %d, want %d", len(h), HandleSize*2)
		}
		if _, err := hex.DecodeString(h); err != nil {
			t.Fatalf("handle is not hex: %v", err)
		}
		if seen[h] {
			t.Fatal("GenerateHandle() returned a duplicate")
		}
		seen[h] = true
	}
}

func TestGenerateRequestID(t *testing.T) {
	a, b := GenerateRequestID(), GenerateRequestID()
	if a == b {
		t.Error("GenerateRequestID() returned the same id twice")
	}
	if len(a) < 43 {
		t.Errorf("len(GenerateRequestID()) = %d, want >= 43", len(a))
	}
}

func TestLeftMostHash(t *testing.T) {
	// OpenID Connect Core example: at_hash of "jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y"
	// signed with RS256 is "77QmUPtjPfzWtF2AnpK9RQ".
	got, err := LeftMostHash("jHkWEdUXMU1BwAsC4vtUsZwnNvTIxEl0z9K3vx5KF0Y", "RS256")
	if err != nil {
		t.Fatalf("LeftMostHash() error = %v", err)
	}
	if got != "77QmUPtjPfzWtF2AnpK9RQ" {
		t.Errorf("LeftMostHash() = %q, want %q", got, "77QmUPtjPfzWtF2AnpK9RQ")
	}

	for _, alg := range []string{"ES384", "PS512"} {
		h, err := LeftMostHash("value", alg)
		if err != nil {
			t.Fatalf("LeftMostHash(%s) error = %v", alg, err)
		}
		if h == "" {
			t.Errorf("LeftMostHash(%s) returned empty hash", alg)
		}
	}

	if _, err := LeftMostHash("value", "none"); err == nil {
		t.Error("LeftMostHash(none) should fail")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual("abc", "abc") {
		t.Error("equal strings should compare equal")
	}
	if ConstantTimeEqual("abc", "abd") || ConstantTimeEqual("abc", "abcd") {
		t.Error("different strings should not compare equal")
	}
}

func TestVerifySecret(t *testing.T) {
	bcryptHash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	pbkdf2Hash, err := HashSecretPBKDF2("s3cret", 1000)
	if err != nil {
		t.Fatalf("HashSecretPBKDF2() error = %v", err)
	}
	if !strings.HasPrefix(pbkdf2Hash, "pbkdf2$sha256$1000$") {
		t.Fatalf("unexpected PBKDF2 format %q", pbkdf2Hash)
	}

	tests := []struct {
		name   string
		hash   string
		secret string
		want   bool
	}{
		{"bcrypt ok", bcryptHash, "s3cret", true},
		{"bcrypt wrong", bcryptHash, "other", false},
		{"pbkdf2 ok", pbkdf2Hash, "s3cret", true},
		{"pbkdf2 wrong", pbkdf2Hash, "other", false},
		{"malformed pbkdf2", "pbkdf2$sha256$x$y", "s3cret", false},
		{"empty hash", "", "s3cret", false},
		{"empty secret", bcryptHash, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySecret(tt.hash, tt.secret); got != tt.want {
				t.Errorf("VerifySecret() = %v, want %v", got, tt.want)
			}
		})
	}
}
