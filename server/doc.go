// Package server runs the operations of the authorization server.
//
// A Server ties the request validators, the interaction state machine, token issuance and
// the document generators to one storage.Store. Every operation that touches storage runs
// inside a single Store transaction, so a failed token request leaves no half-issued
// tokens behind. Consumed authorization codes and refresh tokens stay consumed.
//
// The authorize endpoint never renders HTML. When the resource owner has to log in or
// consent, the request is persisted and the browser is redirected to the configured
// LoginURL or ConsentURL with an authorize_request_id parameter. The UI records its
// outcome (a session cookie, or GrantConsent/DenyConsent) and sends the browser to the
// authorize callback, which resumes the persisted request:
//
//	srv, err := server.New(server.Dependencies{
//	    Clients:   catalog,
//	    Resources: catalog,
//	    Store:     store,
//	    Keys:      keyStore,
//	    Profiles:  profiles,
//	    Sessions:  sessions,
//	}, &server.Config{
//	    Issuer:     "https://auth.example.com",
//	    LoginURL:   "https://auth.example.com/ui/login",
//	    ConsentURL: "https://auth.example.com/ui/consent",
//	    ErrorURL:   "https://auth.example.com/ui/error",
//	}, logger)
//
// Errors that cannot be returned to a verified redirect URI are persisted as
// storage.AuthorizeRequestError and shown by ErrorURL via an error_id parameter.
package server
