// Package tokens issues the artifacts of the authorization server: single-use
// authorization codes, access tokens (self-contained JWTs or opaque reference handles),
// refresh tokens with absolute, sliding or hybrid expiration, and OpenID Connect ID tokens.
//
// Services never read the clock; callers pass the issuance time so that a single request
// uses one consistent timestamp for every artifact it produces.
package tokens
