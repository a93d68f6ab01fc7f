// Package oauth exposes an OAuth 2.1 / OpenID Connect authorization server over HTTP.
//
// Handler is a thin adapter around server.Server: it parses requests, resolves the client
// IP and session, and writes redirects, form_post pages and JSON. RegisterRoutes mounts
//
//	GET|POST /connect/authorize
//	GET      /connect/authorize/callback
//	POST     /connect/token
//	GET      /.well-known/openid-configuration
//	GET      /.well-known/openid-configuration/jwks
//
// The token endpoint is rate limited per client IP. Login, consent and error pages are
// served elsewhere; see the server package for the round trip they take part in.
package oauth
