package authorize

import (
	"github.com/giantswarm/oidc-server/protocol"
	"github.com/giantswarm/oidc-server/storage"
)

// Error is a protocol error raised while validating an authorize request. It carries as
// much delivery context as the pipeline had established when it failed.
type Error struct {
	Protocol *protocol.Error

	// Client is nil when the client could not be resolved
	Client *storage.Client
	// RedirectURI is empty until the redirect URI has been verified against the client
	RedirectURI  string
	ResponseMode string
	// State is echoed only once it passed validation
	State  string
	Issuer string
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Protocol.Error()
}

// Unwrap exposes the protocol error to errors.As
func (e *Error) Unwrap() error {
	return e.Protocol
}

// CanReturnErrorDirectly reports whether the error may be delivered to the client by
// redirect. When false the redirect URI is unverified and the error must be shown by the
// server itself.
func (e *Error) CanReturnErrorDirectly() bool {
	return e.Client != nil && e.RedirectURI != "" && e.ResponseMode != ""
}

// errorContext accumulates what is known about the request as the pipeline progresses
type errorContext struct {
	issuer       string
	client       *storage.Client
	redirectURI  string
	responseMode string
	state        string
}

func (c *errorContext) fail(code, description string) *Error {
	return &Error{
		Protocol:     protocol.NewError(code, description),
		Client:       c.client,
		RedirectURI:  c.redirectURI,
		ResponseMode: c.responseMode,
		State:        c.state,
		Issuer:       c.issuer,
	}
}

func (c *errorContext) wrap(perr *protocol.Error) *Error {
	return c.fail(perr.Code, perr.Description)
}
