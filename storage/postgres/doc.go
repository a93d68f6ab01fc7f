// Package postgres provides a Postgres-backed client and resource catalog.
//
// Catalog implements [storage.ClientCatalog] and [storage.ResourceCatalog] with pgx.
// The authorization server only reads from it; UpsertClient, UpsertScope and
// UpsertResource exist for provisioning. Lifetimes are stored as whole seconds.
//
//	pool, err := postgres.Connect(ctx, dsn)
//	if err != nil {
//	    return err
//	}
//	catalog := postgres.New(pool, storage.RedirectURIPolicy{}, logger)
//	if err := catalog.Migrate(ctx); err != nil {
//	    return err
//	}
package postgres
