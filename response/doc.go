// Package response assembles the payloads the authorization server sends back: the
// authorize redirect (query, fragment or form_post), the token endpoint JSON, and the
// cached discovery and JWKS documents.
package response
