package keys

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is the public JSON Web Key representation of a signing credential (RFC 7517)
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKSet is the document served by the JWKS endpoint
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// ToJWK returns the public key of c as a JWK
func ToJWK(c *SigningCredential) (JWK, error) {
	jwk := JWK{Use: "sig", Kid: c.KeyID, Alg: c.Algorithm}

	switch pub := c.PublicKey().(type) {
	case *rsa.PublicKey:
		jwk.Kty = "RSA"
		jwk.N = base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
		jwk.E = base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	case *ecdsa.PublicKey:
		ecdhKey, err := pub.ECDH()
		if err != nil {
			return JWK{}, fmt.Errorf("key %s: %w", c.KeyID, err)
		}
		// Uncompressed point: 0x04 || X || Y, coordinates padded to the field size
		point := ecdhKey.Bytes()
		size := (len(point) - 1) / 2
		jwk.Kty = "EC"
		jwk.Crv = pub.Curve.Params().Name
		jwk.X = base64.RawURLEncoding.EncodeToString(point[1 : 1+size])
		jwk.Y = base64.RawURLEncoding.EncodeToString(point[1+size:])
	default:
		return JWK{}, fmt.Errorf("key %s: unsupported public key type %T", c.KeyID, pub)
	}
	return jwk, nil
}

// NewJWKSet converts every credential to a JWK
func NewJWKSet(creds []*SigningCredential) (*JWKSet, error) {
	set := &JWKSet{Keys: make([]JWK, 0, len(creds))}
	for _, c := range creds {
		jwk, err := ToJWK(c)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}
