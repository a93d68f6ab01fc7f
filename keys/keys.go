// Package keys holds the signing credentials used for ID tokens and JWT access tokens and
// converts their public halves to JSON Web Keys for the JWKS endpoint.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"

	jwtv5 "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoSigningCredential is returned when no credential matches the requested algorithms
var ErrNoSigningCredential = errors.New("no signing credential available")

// Supported JWS algorithms
const (
	AlgorithmRS256 = "RS256"
	AlgorithmRS384 = "RS384"
	AlgorithmRS512 = "RS512"
	AlgorithmPS256 = "PS256"
	AlgorithmES256 = "ES256"
	AlgorithmES384 = "ES384"
	AlgorithmES512 = "ES512"
)

// MinRSAKeyBits is the smallest RSA modulus accepted for signing
const MinRSAKeyBits = 2048

// SigningCredential is a private key together with its key id and JWS algorithm
type SigningCredential struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
}

// SigningMethod returns the golang-jwt signing method for the credential's algorithm
func (c *SigningCredential) SigningMethod() (jwtv5.SigningMethod, error) {
	method := jwtv5.GetSigningMethod(c.Algorithm)
	if method == nil {
		return nil, fmt.Errorf("unsupported signing algorithm %q", c.Algorithm)
	}
	return method, nil
}

// PublicKey returns the public half of the credential
func (c *SigningCredential) PublicKey() crypto.PublicKey {
	return c.Key.Public()
}

// Validate checks that the key type matches the algorithm
func (c *SigningCredential) Validate() error {
	if c.KeyID == "" {
		return errors.New("signing credential requires a key id")
	}
	switch key := c.Key.(type) {
	case *rsa.PrivateKey:
		switch c.Algorithm {
		case AlgorithmRS256, AlgorithmRS384, AlgorithmRS512, AlgorithmPS256:
		default:
			return fmt.Errorf("key %s: algorithm %q cannot be used with an RSA key", c.KeyID, c.Algorithm)
		}
		if key.N.BitLen() < MinRSAKeyBits {
			return fmt.Errorf("key %s: RSA key must be at least %d bits", c.KeyID, MinRSAKeyBits)
		}
	case *ecdsa.PrivateKey:
		curve, err := curveFor(c.Algorithm)
		if err != nil {
			return fmt.Errorf("key %s: %w", c.KeyID, err)
		}
		if key.Curve != curve {
			return fmt.Errorf("key %s: curve %s does not match algorithm %s", c.KeyID, key.Curve.Params().Name, c.Algorithm)
		}
	default:
		return fmt.Errorf("key %s: unsupported key type %T", c.KeyID, c.Key)
	}
	return nil
}

func curveFor(algorithm string) (elliptic.Curve, error) {
	switch algorithm {
	case AlgorithmES256:
		return elliptic.P256(), nil
	case AlgorithmES384:
		return elliptic.P384(), nil
	case AlgorithmES512:
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("algorithm %q cannot be used with an EC key", algorithm)
	}
}

// GenerateRSA creates an RSA credential with a random key id
func GenerateRSA(bits int, algorithm string) (*SigningCredential, error) {
	if bits < MinRSAKeyBits {
		return nil, fmt.Errorf("RSA key must be at least %d bits", MinRSAKeyBits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	cred := &SigningCredential{KeyID: uuid.NewString(), Algorithm: algorithm, Key: key}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}

// GenerateECDSA creates an ECDSA credential on the curve required by algorithm
func GenerateECDSA(algorithm string) (*SigningCredential, error) {
	curve, err := curveFor(algorithm)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate EC key: %w", err)
	}
	return &SigningCredential{KeyID: uuid.NewString(), Algorithm: algorithm, Key: key}, nil
}

// LoadPEM parses a PEM encoded RSA (PKCS#1 or PKCS#8) or EC private key. An empty keyID is
// replaced by a random one.
func LoadPEM(data []byte, algorithm, keyID string) (*SigningCredential, error) {
	if keyID == "" {
		keyID = uuid.NewString()
	}

	var key crypto.Signer
	switch algorithm {
	case AlgorithmES256, AlgorithmES384, AlgorithmES512:
		ecKey, err := jwtv5.ParseECPrivateKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key: %w", err)
		}
		key = ecKey
	default:
		rsaKey, err := jwtv5.ParseRSAPrivateKeyFromPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA key: %w", err)
		}
		key = rsaKey
	}

	cred := &SigningCredential{KeyID: keyID, Algorithm: algorithm, Key: key}
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	return cred, nil
}
