package tokens

import (
	"context"
	"fmt"

	jwtv5 "github.com/golang-jwt/jwt/v5"

	"github.com/giantswarm/oidc-server/keys"
)

// JWT header types
const (
	typeJWT         = "JWT"
	typeAccessToken = "at+jwt"
)

// signer signs claims with a credential selected from the key store
type signer struct {
	keys keys.Store
}

// credential returns the first credential matching algorithms; an empty list selects the
// default credential
func (s signer) credential(ctx context.Context, algorithms []string) (*keys.SigningCredential, error) {
	cred, err := s.keys.FindByAlgorithm(ctx, algorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to select signing key: %w", err)
	}
	return cred, nil
}

func (s signer) sign(cred *keys.SigningCredential, typ string, claims jwtv5.Claims) (string, error) {
	method, err := cred.SigningMethod()
	if err != nil {
		return "", err
	}
	token := jwtv5.NewWithClaims(method, claims)
	token.Header["kid"] = cred.KeyID
	token.Header["typ"] = typ

	signed, err := token.SignedString(cred.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token with key %s: %w", cred.KeyID, err)
	}
	return signed, nil
}
