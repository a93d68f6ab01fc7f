// Package redis provides a Redis storage backend for the authorization server.
//
// Store implements [storage.Store] on top of go-redis, so several server instances can
// share authorize requests, consents, codes and tokens. Every record expires through a
// Redis TTL derived from its ExpiresAt; records without an expiration never expire.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oidc:"). Handles and request ids never
// appear in keys in the clear; they are replaced by storage.HandleKey:
//
//	{prefix}request:{hash(id)}                       -> AuthorizeRequest
//	{prefix}error:{hash(id)}                         -> AuthorizeRequestError
//	{prefix}consent:{hash(requestID, sub, sid)}      -> consent decision
//	{prefix}granted:{hash(sub, clientID)}            -> GrantedConsent
//	{prefix}code:{hash(handle)}                      -> AuthorizationCode
//	{prefix}access:{hash(handle)}                    -> AccessToken
//	{prefix}refresh:{hash(handle)}                   -> RefreshToken
//
// Values are JSON, sealed with the configured security.Encryptor when one is set. The
// storage key is bound to the ciphertext as associated data.
//
// # Atomic Operations
//
// ConsumeAuthorizationCode and ConsumeRefreshToken use GETDEL: of two concurrent calls for
// the same handle only one receives the record. UpdateRefreshTokenExpiration is a Lua
// compare-and-swap so it cannot resurrect a token consumed in the meantime.
//
// # Transactions
//
// Redis has no multi-key rollback across round trips. WithinTransaction journals a
// compensating write for every mutation and replays the journal when fn fails. Consumed
// codes and refresh tokens are never restored.
//
// # Configuration
//
//	store, err := redis.New(redis.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "oidc:",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package redis
