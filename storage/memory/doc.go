// Package memory provides in-memory implementations of the storage interfaces.
//
// Store implements storage.Store using maps guarded by a sync.RWMutex. It supports
// request-scoped transactions through an undo journal carried in the context: every
// mutation made through that context is reverted when the transaction function fails.
// Consuming an authorization code or a refresh token is never reverted, so a code cannot
// be redeemed twice even if the first redemption rolls back.
//
// Catalog implements storage.ClientCatalog and storage.ResourceCatalog for statically
// configured clients, scopes and resources.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Background cleanup of expired entries with a clock-skew grace period
//   - Storage size gauges and per-operation spans via SetInstrumentation
//
// For multi-instance deployments use storage/redis for per-request artifacts and
// storage/postgres for the catalogs.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	catalog := memory.NewCatalog(storage.RedirectURIPolicy{})
//	if err := catalog.AddClient(client); err != nil {
//		return err
//	}
package memory
