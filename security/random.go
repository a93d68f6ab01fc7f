package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// HandleSize is the number of random bytes behind every opaque handle (256 bits)
const HandleSize = 32

// GenerateRandomBytes returns n bytes from crypto/rand
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// GenerateHandle returns a 256-bit random handle, hex encoded.
// Used for authorization codes, reference access tokens and refresh tokens.
func GenerateHandle() (string, error) {
	b, err := GenerateRandomBytes(HandleSize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateRequestID returns a random base64url identifier for persisted authorize
// requests and authorize errors. It reuses the oauth2 PKCE verifier generator, which
// draws 32 bytes from crypto/rand.
func GenerateRequestID() string {
	return oauth2.GenerateVerifier()
}
