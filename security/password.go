package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultPBKDF2Iterations is the iteration count for newly hashed PBKDF2 secrets
	DefaultPBKDF2Iterations = 600000

	pbkdf2Prefix    = "pbkdf2"
	pbkdf2SaltSize  = 16
	pbkdf2KeyLength = 32
)

// ErrUnsupportedSecretHash is returned for stored hashes in an unknown format
var ErrUnsupportedSecretHash = errors.New("unsupported secret hash format")

// HashSecret hashes a client secret with bcrypt
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// HashSecretPBKDF2 hashes a client secret with PBKDF2-HMAC-SHA256.
// The result has the form pbkdf2$sha256$<iterations>$<salt>$<key>, salt and key base64url.
func HashSecretPBKDF2(secret string, iterations int) (string, error) {
	if iterations <= 0 {
		iterations = DefaultPBKDF2Iterations
	}
	salt, err := GenerateRandomBytes(pbkdf2SaltSize)
	if err != nil {
		return "", err
	}
	dk := pbkdf2.Key([]byte(secret), salt, iterations, pbkdf2KeyLength, sha256.New)

	return strings.Join([]string{
		pbkdf2Prefix,
		"sha256",
		strconv.Itoa(iterations),
		base64.RawURLEncoding.EncodeToString(salt),
		base64.RawURLEncoding.EncodeToString(dk),
	}, "$"), nil
}

// VerifySecret checks a presented secret against a stored bcrypt or PBKDF2 hash.
// Returns false for malformed hashes.
func VerifySecret(storedHash, secret string) bool {
	if storedHash == "" || secret == "" {
		return false
	}

	if strings.HasPrefix(storedHash, pbkdf2Prefix+"$") {
		ok, err := verifyPBKDF2(storedHash, secret)
		return err == nil && ok
	}

	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)) == nil
}

func verifyPBKDF2(storedHash, secret string) (bool, error) {
	parts := strings.Split(storedHash, "$")
	if len(parts) != 5 || parts[1] != "sha256" {
		return false, ErrUnsupportedSecretHash
	}

	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return false, ErrUnsupportedSecretHash
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return false, ErrUnsupportedSecretHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(parts[4])
	if err != nil || len(expected) == 0 {
		return false, ErrUnsupportedSecretHash
	}

	dk := pbkdf2.Key([]byte(secret), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(dk, expected) == 1, nil
}
