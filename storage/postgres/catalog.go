package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/giantswarm/oidc-server/storage"
)

//go:embed schema.sql
var schema string

// Querier is the subset of *pgxpool.Pool and pgx.Tx used by the catalog
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Catalog is a Postgres-backed client and resource catalog.
type Catalog struct {
	db     Querier
	policy storage.RedirectURIPolicy
	logger *slog.Logger
}

var (
	_ storage.ClientCatalog   = (*Catalog)(nil)
	_ storage.ResourceCatalog = (*Catalog)(nil)
)

// Connect opens a connection pool for dsn and verifies it
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return pool, nil
}

// New creates a catalog on db. Clients are validated against policy when read.
func New(db Querier, policy storage.RedirectURIPolicy, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{db: db, policy: policy, logger: logger}
}

// Migrate creates the catalog tables if they do not exist
func (c *Catalog) Migrate(ctx context.Context) error {
	if _, err := c.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply catalog schema: %w", err)
	}
	c.logger.Info("Applied catalog schema")
	return nil
}

// ============================================================
// ClientCatalog Implementation
// ============================================================

const selectClient = `
SELECT client_id, client_name, enabled, client_type,
       redirect_uris, allowed_scopes, allowed_grant_types, authorization_flows,
       allowed_code_challenge_methods, require_consent, allow_remember_consent,
       consent_lifetime_seconds, authorization_code_lifetime_seconds,
       access_token_lifetime_seconds, id_token_lifetime_seconds,
       refresh_token_absolute_lifetime_seconds, refresh_token_sliding_lifetime_seconds,
       refresh_token_expiration, rotate_refresh_tokens, access_token_format,
       id_token_signing_algorithms, access_token_signing_algorithms,
       token_endpoint_auth_method, always_include_user_claims_in_id_token, created_at
FROM oidc_clients
WHERE client_id = $1 AND enabled`

// FindEnabledClient returns the client or storage.ErrNotFound if it is unknown or disabled.
// A stored client that fails validation is reported as an error, not as missing.
func (c *Catalog) FindEnabledClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var client storage.Client
	var consent, code, access, idToken, absolute, sliding int64
	err := c.db.QueryRow(ctx, selectClient, clientID).Scan(
		&client.ClientID, &client.ClientName, &client.Enabled, &client.ClientType,
		&client.RedirectURIs, &client.AllowedScopes, &client.AllowedGrantTypes, &client.AuthorizationFlows,
		&client.AllowedCodeChallengeMethods, &client.RequireConsent, &client.AllowRememberConsent,
		&consent, &code,
		&access, &idToken,
		&absolute, &sliding,
		&client.RefreshTokenExpiration, &client.RotateRefreshTokens, &client.AccessTokenFormat,
		&client.IDTokenSigningAlgorithms, &client.AccessTokenSigningAlgorithms,
		&client.TokenEndpointAuthMethod, &client.AlwaysIncludeUserClaimsInIDToken, &client.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	client.ConsentLifetime = seconds(consent)
	client.AuthorizationCodeLifetime = seconds(code)
	client.AccessTokenLifetime = seconds(access)
	client.IDTokenLifetime = seconds(idToken)
	client.RefreshTokenAbsoluteLifetime = seconds(absolute)
	client.RefreshTokenSlidingLifetime = seconds(sliding)

	client.Secrets, err = c.secrets(ctx, `SELECT hash, description, expires_at FROM oidc_client_secrets WHERE client_id = $1`, clientID)
	if err != nil {
		return nil, err
	}

	if err := storage.ValidateClient(&client, c.policy); err != nil {
		c.logger.Error("Stored client failed validation", "client_id", clientID, "error", err)
		return nil, fmt.Errorf("invalid client registration: %w", err)
	}
	return &client, nil
}

func (c *Catalog) secrets(ctx context.Context, query string, args ...any) ([]storage.Secret, error) {
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	defer rows.Close()

	var out []storage.Secret
	for rows.Next() {
		var (
			secret    storage.Secret
			expiresAt *time.Time
		)
		if err := rows.Scan(&secret.Hash, &secret.Description, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}
		if expiresAt != nil {
			secret.ExpiresAt = *expiresAt
		}
		out = append(out, secret)
	}
	return out, rows.Err()
}

// ============================================================
// ResourceCatalog Implementation
// ============================================================

const selectScopes = `
SELECT name, display_name, token_type, required, show_in_discovery, user_claim_types
FROM oidc_scopes`

// FindScopesAndResources returns the named scopes and every resource exposing one of them
func (c *Catalog) FindScopesAndResources(ctx context.Context, scopeNames []string) ([]storage.Scope, []storage.Resource, error) {
	scopes, err := c.scopes(ctx, selectScopes+` WHERE name = ANY($1) ORDER BY position`, scopeNames)
	if err != nil {
		return nil, nil, err
	}

	rows, err := c.db.Query(ctx, `
SELECT rs.resource_name, array_agg(rs.scope_name ORDER BY rs.scope_name)
FROM oidc_resource_scopes rs
WHERE rs.resource_name IN (SELECT resource_name FROM oidc_resource_scopes WHERE scope_name = ANY($1))
GROUP BY rs.resource_name
ORDER BY rs.resource_name`, scopeNames)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load resources: %w", err)
	}
	resources, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Resource, error) {
		var r storage.Resource
		err := row.Scan(&r.Name, &r.AccessTokenScopes)
		return r, err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan resources: %w", err)
	}

	for i := range resources {
		resources[i].Secrets, err = c.secrets(ctx,
			`SELECT hash, description, expires_at FROM oidc_resource_secrets WHERE resource_name = $1`,
			resources[i].Name)
		if err != nil {
			return nil, nil, err
		}
	}
	return scopes, resources, nil
}

// FindDiscoveryResources returns the discoverable scopes of the given token types and the
// union of their claim types, both in registration order
func (c *Catalog) FindDiscoveryResources(ctx context.Context, tokenTypes []string) ([]storage.Scope, []string, error) {
	scopes, err := c.scopes(ctx, selectScopes+` WHERE show_in_discovery AND token_type = ANY($1) ORDER BY position`, tokenTypes)
	if err != nil {
		return nil, nil, err
	}

	var claims []string
	for _, s := range scopes {
		for _, claim := range s.UserClaimTypes {
			if !slices.Contains(claims, claim) {
				claims = append(claims, claim)
			}
		}
	}
	return scopes, claims, nil
}

func (c *Catalog) scopes(ctx context.Context, query string, args ...any) ([]storage.Scope, error) {
	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load scopes: %w", err)
	}
	scopes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Scope, error) {
		var s storage.Scope
		err := row.Scan(&s.Name, &s.DisplayName, &s.TokenType, &s.Required, &s.ShowInDiscovery, &s.UserClaimTypes)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan scopes: %w", err)
	}
	return scopes, nil
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
