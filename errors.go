package oauth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/tokenrequest"
)

// Error codes of the HTTP layer that have no protocol.Error counterpart
const (
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
)

// ErrorResponse is the JSON body of token endpoint errors (RFC 6749 section 5.2)
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code

	// Basic asks the client to retry with HTTP Basic authentication
	Basic bool
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// ErrServerError hides an infrastructure failure from the client
var ErrServerError = func(desc string) *OAuthError {
	return NewOAuthError(protocol.ErrorServerError, desc, http.StatusInternalServerError)
}

// tokenError maps the error of a token request to its response. invalid_client is a 401
// when the client attempted Basic authentication; every other protocol error is a 400.
// Anything else is a server_error.
func tokenError(err error) *OAuthError {
	var terr *tokenrequest.Error
	if !errors.As(err, &terr) {
		return ErrServerError("the server failed to process the request")
	}

	status := http.StatusBadRequest
	if terr.Protocol.Code == protocol.ErrorInvalidClient && terr.Basic {
		status = http.StatusUnauthorized
	}
	return &OAuthError{
		Code:        terr.Protocol.Code,
		Description: terr.Protocol.Description,
		Status:      status,
		Basic:       status == http.StatusUnauthorized,
	}
}
