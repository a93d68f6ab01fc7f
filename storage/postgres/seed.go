package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/giantswarm/oidc-server/storage"
)

// UpsertClient validates and stores a client, replacing its secrets.
// The catalog is provisioned out of band; this is used by the seed command and tests.
func (c *Catalog) UpsertClient(ctx context.Context, client *storage.Client) error {
	if err := storage.ValidateClient(client, c.policy); err != nil {
		return fmt.Errorf("invalid client: %w", err)
	}
	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return pgx.BeginFunc(ctx, c.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO oidc_clients (
    client_id, client_name, enabled, client_type,
    redirect_uris, allowed_scopes, allowed_grant_types, authorization_flows,
    allowed_code_challenge_methods, require_consent, allow_remember_consent,
    consent_lifetime_seconds, authorization_code_lifetime_seconds,
    access_token_lifetime_seconds, id_token_lifetime_seconds,
    refresh_token_absolute_lifetime_seconds, refresh_token_sliding_lifetime_seconds,
    refresh_token_expiration, rotate_refresh_tokens, access_token_format,
    id_token_signing_algorithms, access_token_signing_algorithms,
    token_endpoint_auth_method, always_include_user_claims_in_id_token, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
ON CONFLICT (client_id) DO UPDATE SET
    client_name = EXCLUDED.client_name,
    enabled = EXCLUDED.enabled,
    client_type = EXCLUDED.client_type,
    redirect_uris = EXCLUDED.redirect_uris,
    allowed_scopes = EXCLUDED.allowed_scopes,
    allowed_grant_types = EXCLUDED.allowed_grant_types,
    authorization_flows = EXCLUDED.authorization_flows,
    allowed_code_challenge_methods = EXCLUDED.allowed_code_challenge_methods,
    require_consent = EXCLUDED.require_consent,
    allow_remember_consent = EXCLUDED.allow_remember_consent,
    consent_lifetime_seconds = EXCLUDED.consent_lifetime_seconds,
    authorization_code_lifetime_seconds = EXCLUDED.authorization_code_lifetime_seconds,
    access_token_lifetime_seconds = EXCLUDED.access_token_lifetime_seconds,
    id_token_lifetime_seconds = EXCLUDED.id_token_lifetime_seconds,
    refresh_token_absolute_lifetime_seconds = EXCLUDED.refresh_token_absolute_lifetime_seconds,
    refresh_token_sliding_lifetime_seconds = EXCLUDED.refresh_token_sliding_lifetime_seconds,
    refresh_token_expiration = EXCLUDED.refresh_token_expiration,
    rotate_refresh_tokens = EXCLUDED.rotate_refresh_tokens,
    access_token_format = EXCLUDED.access_token_format,
    id_token_signing_algorithms = EXCLUDED.id_token_signing_algorithms,
    access_token_signing_algorithms = EXCLUDED.access_token_signing_algorithms,
    token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method,
    always_include_user_claims_in_id_token = EXCLUDED.always_include_user_claims_in_id_token`,
			client.ClientID, client.ClientName, client.Enabled, client.ClientType,
			nonNil(client.RedirectURIs), nonNil(client.AllowedScopes), nonNil(client.AllowedGrantTypes), nonNil(client.AuthorizationFlows),
			nonNil(client.AllowedCodeChallengeMethods), client.RequireConsent, client.AllowRememberConsent,
			toSeconds(client.ConsentLifetime), toSeconds(client.AuthorizationCodeLifetime),
			toSeconds(client.AccessTokenLifetime), toSeconds(client.IDTokenLifetime),
			toSeconds(client.RefreshTokenAbsoluteLifetime), toSeconds(client.RefreshTokenSlidingLifetime),
			client.RefreshTokenExpiration, client.RotateRefreshTokens, client.AccessTokenFormat,
			nonNil(client.IDTokenSigningAlgorithms), nonNil(client.AccessTokenSigningAlgorithms),
			client.TokenEndpointAuthMethod, client.AlwaysIncludeUserClaimsInIDToken, createdAt,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert client: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM oidc_client_secrets WHERE client_id = $1`, client.ClientID); err != nil {
			return fmt.Errorf("failed to replace client secrets: %w", err)
		}
		for _, secret := range client.Secrets {
			_, err := tx.Exec(ctx,
				`INSERT INTO oidc_client_secrets (client_id, hash, description, expires_at) VALUES ($1, $2, $3, $4)`,
				client.ClientID, secret.Hash, secret.Description, nullableTime(secret.ExpiresAt))
			if err != nil {
				return fmt.Errorf("failed to insert client secret: %w", err)
			}
		}

		c.logger.Info("Stored client", "client_id", client.ClientID, "secrets", len(client.Secrets))
		return nil
	})
}

// UpsertScope stores a scope. An existing scope keeps its discovery position.
func (c *Catalog) UpsertScope(ctx context.Context, scope storage.Scope) error {
	if scope.Name == "" {
		return errors.New("scope name cannot be empty")
	}
	_, err := c.db.Exec(ctx, `
INSERT INTO oidc_scopes (name, display_name, token_type, required, show_in_discovery, user_claim_types)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (name) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    token_type = EXCLUDED.token_type,
    required = EXCLUDED.required,
    show_in_discovery = EXCLUDED.show_in_discovery,
    user_claim_types = EXCLUDED.user_claim_types`,
		scope.Name, scope.DisplayName, scope.TokenType, scope.Required, scope.ShowInDiscovery, nonNil(scope.UserClaimTypes))
	if err != nil {
		return fmt.Errorf("failed to upsert scope %q: %w", scope.Name, err)
	}
	return nil
}

// UpsertResource stores a resource, replacing its scopes and secrets
func (c *Catalog) UpsertResource(ctx context.Context, resource storage.Resource) error {
	if resource.Name == "" {
		return errors.New("resource name cannot be empty")
	}

	return pgx.BeginFunc(ctx, c.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO oidc_resources (name) VALUES ($1) ON CONFLICT DO NOTHING`, resource.Name); err != nil {
			return fmt.Errorf("failed to upsert resource %q: %w", resource.Name, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM oidc_resource_scopes WHERE resource_name = $1`, resource.Name); err != nil {
			return fmt.Errorf("failed to replace resource scopes: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM oidc_resource_secrets WHERE resource_name = $1`, resource.Name); err != nil {
			return fmt.Errorf("failed to replace resource secrets: %w", err)
		}

		for _, scope := range resource.AccessTokenScopes {
			_, err := tx.Exec(ctx,
				`INSERT INTO oidc_resource_scopes (resource_name, scope_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				resource.Name, scope)
			if err != nil {
				return fmt.Errorf("failed to insert resource scope: %w", err)
			}
		}
		for _, secret := range resource.Secrets {
			_, err := tx.Exec(ctx,
				`INSERT INTO oidc_resource_secrets (resource_name, hash, description, expires_at) VALUES ($1, $2, $3, $4)`,
				resource.Name, secret.Hash, secret.Description, nullableTime(secret.ExpiresAt))
			if err != nil {
				return fmt.Errorf("failed to insert resource secret: %w", err)
			}
		}
		return nil
	})
}

// nonNil keeps NOT NULL array columns from receiving NULL
func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func toSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
