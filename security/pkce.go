package security

import (
	"encoding/base64"
)

// PKCE methods (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ComputeS256Challenge returns base64url(SHA256(verifier)) without padding
func ComputeS256Challenge(verifier string) string {
	return base64.RawURLEncoding.EncodeToString(HashSHA256([]byte(verifier)))
}

// VerifyCodeChallenge checks a code_verifier against the stored code_challenge.
//
// Both methods compare in constant time. An unknown method never verifies.
func VerifyCodeChallenge(verifier, challenge, method string) bool {
	if verifier == "" || challenge == "" {
		return false
	}

	switch method {
	case PKCEMethodS256:
		return ConstantTimeEqual(ComputeS256Challenge(verifier), challenge)
	case PKCEMethodPlain:
		return ConstantTimeEqual(verifier, challenge)
	default:
		return false
	}
}
