// Command oidc-server runs the authorization server and its provisioning tasks.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/giantswarm/oidc-server/response"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/storage/postgres"
)

// version is set at build time
var version = "dev"

func main() {
	var (
		configPath = envOr("OIDC_CONFIG", "")
		envFile    = envOr("OIDC_ENV_FILE", ".env")
	)

	root := &cobra.Command{
		Use:           "oidc-server",
		Short:         "OAuth 2.1 / OpenID Connect authorization server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Path to the YAML configuration (env OIDC_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, "Dotenv file loaded before the configuration (env OIDC_ENV_FILE)")

	load := func() (*fileConfig, *slog.Logger, error) {
		cfg, err := loadConfig(configPath, envFile)
		if err != nil {
			return nil, nil, err
		}
		return cfg, newLogger(os.Stderr, cfg.Log.Format, cfg.logLevel()), nil
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres catalog schema and seed clients, scopes and resources from the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.Catalog.Backend != backendPostgres {
				return fmt.Errorf("migrate requires the postgres catalog, configured %q", cfg.Catalog.Backend)
			}
			return migrate(cmd.Context(), cfg, logger)
		},
	}

	genKeyCmd := &cobra.Command{
		Use:   "genkey",
		Short: "Print a random base64 encoded 32 byte key for session.key or storage.encryption_key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
			return nil
		},
	}

	hashSecretCmd := &cobra.Command{
		Use:   "hash-secret [secret]",
		Short: "Hash a client or resource secret for secret_hashes. Reads stdin without an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			hash, err := security.HashSecret(secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	var tokenCC clientcredentials.Config
	var tokenIssuer string
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Request an access token with the client credentials grant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokenIssuer == "" || tokenCC.ClientID == "" {
				return errors.New("--issuer and --client-id are required")
			}
			if tokenCC.ClientSecret == "" {
				tokenCC.ClientSecret = os.Getenv("OIDC_CLIENT_SECRET")
			}
			tokenCC.TokenURL = strings.TrimSuffix(tokenIssuer, "/") + response.PathToken
			token, err := tokenCC.Token(cmd.Context())
			if err != nil {
				return fmt.Errorf("token request failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token_type=%s expires=%s\n%s\n",
				token.Type(), token.Expiry.Format("2006-01-02T15:04:05Z07:00"), token.AccessToken)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "Issuer URL")
	tokenCmd.Flags().StringVar(&tokenCC.ClientID, "client-id", "", "Client id")
	tokenCmd.Flags().StringVar(&tokenCC.ClientSecret, "client-secret", "", "Client secret (env OIDC_CLIENT_SECRET)")
	tokenCmd.Flags().StringSliceVar(&tokenCC.Scopes, "scope", nil, "Requested scopes")

	root.AddCommand(serveCmd, migrateCmd, genKeyCmd, hashSecretCmd, tokenCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// migrate applies the catalog schema and upserts the configured catalog entries
func migrate(ctx context.Context, cfg *fileConfig, logger *slog.Logger) error {
	pool, err := postgres.Connect(ctx, cfg.Catalog.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	catalog := postgres.New(pool, cfg.redirectPolicy(), logger)
	if err := catalog.Migrate(ctx); err != nil {
		return err
	}
	return seedPostgres(ctx, catalog, cfg)
}

func seedPostgres(ctx context.Context, catalog *postgres.Catalog, cfg *fileConfig) error {
	for _, sc := range cfg.Scopes {
		if err := catalog.UpsertScope(ctx, sc.toScope()); err != nil {
			return err
		}
	}
	for _, rc := range cfg.Resources {
		if err := catalog.UpsertResource(ctx, rc.toResource()); err != nil {
			return err
		}
	}
	for _, cc := range cfg.Clients {
		client, err := cc.toClient()
		if err != nil {
			return err
		}
		if err := catalog.UpsertClient(ctx, client); err != nil {
			return fmt.Errorf("client %s: %w", cc.ClientID, err)
		}
	}
	return nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func readSecret(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(io.LimitReader(stdin, 4096))
	if err != nil {
		return "", err
	}
	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", errors.New("secret cannot be empty")
	}
	return secret, nil
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
