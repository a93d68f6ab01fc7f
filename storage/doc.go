// Package storage provides the data model and persistence interfaces of the authorization server.
//
// The model is a fixed set of concrete structs: Client, Scope, Resource, AuthorizeRequest,
// AuthorizeRequestError, AuthorizeRequestConsent, GrantedConsent, AuthorizationCode,
// AccessToken and RefreshToken. Every per-request artifact is persisted through one of the
// store interfaces, all of which take a context.Context first. Backends join the request
// transaction opened by Transactor.WithinTransaction through that context.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development, tests and single-instance deployments
//   - storage/redis: Redis storage for per-request artifacts (codes, tokens, requests, consents)
//   - storage/postgres: PostgreSQL client and resource catalogs
//
// Handles are never stored in clear text by the distributed backends: HandleKey derives the
// storage key from a handle.
package storage
