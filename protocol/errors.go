// Package protocol holds the OAuth 2.1 and OpenID Connect vocabulary shared by every
// layer of the server: error codes, parameter names, response types and modes, grant
// types and prompt values.
//
// Protocol errors are values. Validators return a *Error (or a type wrapping one) and
// callers inspect it with errors.As; anything that is not a protocol error is an
// infrastructure failure and maps to server_error.
package protocol

import "fmt"

// OAuth 2.0 (RFC 6749) and OpenID Connect Core error codes.
const (
	ErrorInvalidRequest          = "invalid_request"
	ErrorInvalidClient           = "invalid_client"
	ErrorInvalidGrant            = "invalid_grant"
	ErrorInvalidScope            = "invalid_scope"
	ErrorUnauthorizedClient      = "unauthorized_client"
	ErrorUnsupportedGrantType    = "unsupported_grant_type"
	ErrorUnsupportedResponseType = "unsupported_response_type"
	ErrorAccessDenied            = "access_denied"
	ErrorServerError             = "server_error"
	ErrorTemporarilyUnavailable  = "temporarily_unavailable"

	ErrorInteractionRequired      = "interaction_required"
	ErrorLoginRequired            = "login_required"
	ErrorAccountSelectionRequired = "account_selection_required"
	ErrorConsentRequired          = "consent_required"
	ErrorRequestNotSupported      = "request_not_supported"
	ErrorRequestURINotSupported   = "request_uri_not_supported"
)

// Error is an OAuth protocol error: a code from the registry above plus an optional
// human-readable description. It never carries infrastructure details.
type Error struct {
	Code        string
	Description string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new protocol error
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// InvalidRequest indicates a malformed request or a missing/duplicated parameter
func InvalidRequest(description string) *Error {
	return NewError(ErrorInvalidRequest, description)
}

// InvalidClient indicates failed client authentication
func InvalidClient(description string) *Error {
	return NewError(ErrorInvalidClient, description)
}

// InvalidGrant indicates an unknown, expired, consumed or mismatched grant
func InvalidGrant(description string) *Error {
	return NewError(ErrorInvalidGrant, description)
}

// InvalidScope indicates unknown, malformed or disallowed scopes
func InvalidScope(description string) *Error {
	return NewError(ErrorInvalidScope, description)
}

// UnauthorizedClient indicates the client may not use the requested flow or grant
func UnauthorizedClient(description string) *Error {
	return NewError(ErrorUnauthorizedClient, description)
}

// UnsupportedGrantType indicates an unknown or missing grant type
func UnsupportedGrantType(description string) *Error {
	return NewError(ErrorUnsupportedGrantType, description)
}

// UnsupportedResponseType indicates an unknown response type
func UnsupportedResponseType(description string) *Error {
	return NewError(ErrorUnsupportedResponseType, description)
}

// AccessDenied indicates the resource owner refused the request
func AccessDenied(description string) *Error {
	return NewError(ErrorAccessDenied, description)
}

// ServerError is used when an infrastructure failure has to be reported to a client
func ServerError(description string) *Error {
	return NewError(ErrorServerError, description)
}
