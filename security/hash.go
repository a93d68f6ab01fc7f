package security

import (
	"crypto"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
)

// HashSHA256 returns the SHA-256 digest of value
func HashSHA256(value []byte) []byte {
	sum := sha256.Sum256(value)
	return sum[:]
}

// HashSHA384 returns the SHA-384 digest of value
func HashSHA384(value []byte) []byte {
	sum := sha512.Sum384(value)
	return sum[:]
}

// HashSHA512 returns the SHA-512 digest of value
func HashSHA512(value []byte) []byte {
	sum := sha512.Sum512(value)
	return sum[:]
}

// ConstantTimeEqual compares two strings without leaking their content through timing.
// Strings of different length compare unequal; only the length is observable.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HashForAlgorithm returns the hash function paired with a JWS algorithm name.
// RS256/PS256/ES256 use SHA-256, the 384 and 512 variants use SHA-384 and SHA-512.
func HashForAlgorithm(alg string) (crypto.Hash, error) {
	if len(alg) < 5 {
		return 0, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	switch alg[:2] {
	case "RS", "PS", "ES", "HS":
	default:
		return 0, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
	switch alg[2:] {
	case "256":
		return crypto.SHA256, nil
	case "384":
		return crypto.SHA384, nil
	case "512":
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

// LeftMostHash computes the OpenID Connect at_hash / c_hash value: the base64url encoding
// of the left-most half of the hash of value, using the hash of the ID token's signing
// algorithm.
func LeftMostHash(value, alg string) (string, error) {
	h, err := HashForAlgorithm(alg)
	if err != nil {
		return "", err
	}

	var hasher hash.Hash
	switch h {
	case crypto.SHA256:
		hasher = sha256.New()
	case crypto.SHA384:
		hasher = sha512.New384()
	default:
		hasher = sha512.New()
	}
	_, _ = hasher.Write([]byte(value))
	sum := hasher.Sum(nil)

	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}
