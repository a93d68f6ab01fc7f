package tokenrequest

import "github.com/giantswarm/oidc-server/protocol"

// Failure reasons. They never reach the client; the server uses them for audit events and
// metrics.
const (
	ReasonClientAuthentication = "client_authentication"
	ReasonGrantType            = "grant_type"
	ReasonMalformed            = "malformed"
	ReasonCodeNotFound         = "code_not_found"
	ReasonClientMismatch       = "client_mismatch"
	ReasonIssuerMismatch       = "issuer_mismatch"
	ReasonPKCE                 = "pkce"
	ReasonRedirectURI          = "redirect_uri"
	ReasonScope                = "scope"
	ReasonConsent              = "consent"
	ReasonInactiveSubject      = "inactive_subject"
	ReasonRefreshNotFound      = "refresh_token_not_found"

	// ReasonRefreshTokenReused is set by the server when a concurrent request rotated the
	// refresh token first
	ReasonRefreshTokenReused = "refresh_token_reused"
)

// Error is a rejected token request
type Error struct {
	Protocol *protocol.Error
	Reason   string
	// Basic is set when the client authenticated with the Authorization header; an
	// invalid_client response then carries a 401 with WWW-Authenticate.
	Basic bool
	// PKCEMethod is the code challenge method of a code that failed PKCE verification
	PKCEMethod string
}

func (e *Error) Error() string {
	return e.Protocol.Error()
}

func (e *Error) Unwrap() error {
	return e.Protocol
}

func reject(reason string, perr *protocol.Error) *Error {
	return &Error{Protocol: perr, Reason: reason}
}
