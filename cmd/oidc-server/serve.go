package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/oidc-server"
	"github.com/giantswarm/oidc-server/identity"
	"github.com/giantswarm/oidc-server/instrumentation"
	"github.com/giantswarm/oidc-server/keys"
	"github.com/giantswarm/oidc-server/security"
	"github.com/giantswarm/oidc-server/server"
	"github.com/giantswarm/oidc-server/storage"
	"github.com/giantswarm/oidc-server/storage/memory"
	"github.com/giantswarm/oidc-server/storage/postgres"
	"github.com/giantswarm/oidc-server/storage/redis"
)

const shutdownTimeout = 10 * time.Second

// app holds the wired components of a running server
type app struct {
	server   *server.Server
	handler  *oauth.Handler
	sessions *identity.SessionCookieAuthenticator
	profiles *identity.StaticProfiles
	inst     *instrumentation.Instrumentation
	closers  []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func serve(ctx context.Context, cfg *fileConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newRouter(a, cfg, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting authorization server", "listen", cfg.Listen, "issuer", cfg.Issuer, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down authorization server")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newApp builds every component from the configuration. The caller must call close.
func newApp(ctx context.Context, cfg *fileConfig, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.inst, err = instrumentation.New(instrumentation.Config{
		ServiceName:     "oidc-server",
		ServiceVersion:  version,
		Enabled:         cfg.Metrics.Enabled,
		MetricsExporter: cfg.Metrics.Exporter,
		LogClientIPs:    cfg.Metrics.LogClientIPs,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	})

	store, err := a.newStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	clients, resources, err := a.newCatalog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	creds, err := cfg.loadSigningKeys(logger)
	if err != nil {
		return nil, err
	}
	keyStore, err := keys.NewMemoryStore(creds...)
	if err != nil {
		return nil, err
	}

	sessionKey, err := cfg.sessionKey()
	if err != nil {
		return nil, err
	}
	a.sessions, err = identity.NewSessionCookieAuthenticator(identity.SessionCookieConfig{
		Key:        sessionKey,
		CookieName: cfg.Session.CookieName,
		Lifetime:   cfg.Session.Lifetime,
		Issuer:     cfg.Issuer,
		Insecure:   cfg.Session.Insecure,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.profiles = identity.NewStaticProfiles()
	for _, p := range cfg.Profiles {
		a.profiles.Put(p.toProfile())
	}

	a.server, err = server.New(server.Dependencies{
		Clients:         clients,
		Resources:       resources,
		Store:           store,
		Keys:            keyStore,
		Profiles:        a.profiles,
		Sessions:        a.sessions,
		Auditor:         security.NewAuditor(logger, *cfg.Audit),
		Instrumentation: a.inst,
	}, &server.Config{
		Issuer:              cfg.Issuer,
		LoginURL:            cfg.UI.LoginURL,
		ConsentURL:          cfg.UI.ConsentURL,
		ErrorURL:            cfg.UI.ErrorURL,
		AllowInsecureIssuer: cfg.AllowInsecureIssuer,
	}, logger)
	if err != nil {
		return nil, err
	}

	a.handler = oauth.NewHandler(a.server, &oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Disabled:          cfg.RateLimit.Disabled,
			Rate:              cfg.RateLimit.Rate,
			Burst:             cfg.RateLimit.Burst,
			TrustProxy:        cfg.RateLimit.TrustProxy,
			TrustedProxyCount: cfg.RateLimit.TrustedProxyCount,
		},
	}, logger)
	return a, nil
}

func (a *app) newStore(cfg *fileConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage.Backend == backendMemory {
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(a.inst)
		a.closers = append(a.closers, store.Stop)
		logger.Warn("Using in-memory storage; grants and tokens are lost on restart")
		return store, nil
	}

	var encryptor *security.Encryptor
	if cfg.Storage.EncryptionKey != "" {
		key, err := security.KeyFromBase64(cfg.Storage.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid storage.encryption_key: %w", err)
		}
		if encryptor, err = security.NewEncryptor(key); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("⚠️  Redis records are stored unencrypted", "recommendation", "set storage.encryption_key")
	}

	store, err := redis.New(redis.Config{
		Address:   cfg.Storage.Redis.Address,
		Username:  cfg.Storage.Redis.Username,
		Password:  cfg.Storage.Redis.Password,
		DB:        cfg.Storage.Redis.DB,
		KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		Logger:    logger,
		Encryptor: encryptor,
	})
	if err != nil {
		return nil, err
	}
	store.SetInstrumentation(a.inst)
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close redis client", "error", err)
		}
	})
	return store, nil
}

func (a *app) newCatalog(ctx context.Context, cfg *fileConfig, logger *slog.Logger) (storage.ClientCatalog, storage.ResourceCatalog, error) {
	if cfg.Catalog.Backend == backendPostgres {
		pool, err := postgres.Connect(ctx, cfg.Catalog.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, pool.Close)

		catalog := postgres.New(pool, cfg.redirectPolicy(), logger)
		if cfg.Catalog.Migrate {
			if err := catalog.Migrate(ctx); err != nil {
				return nil, nil, err
			}
			if err := seedPostgres(ctx, catalog, cfg); err != nil {
				return nil, nil, err
			}
		}
		return catalog, catalog, nil
	}

	catalog := memory.NewCatalog(cfg.redirectPolicy())
	scopes := make([]storage.Scope, 0, len(cfg.Scopes))
	for _, sc := range cfg.Scopes {
		scopes = append(scopes, sc.toScope())
	}
	if err := catalog.AddScopes(scopes...); err != nil {
		return nil, nil, err
	}
	resources := make([]storage.Resource, 0, len(cfg.Resources))
	for _, rc := range cfg.Resources {
		resources = append(resources, rc.toResource())
	}
	if err := catalog.AddResources(resources...); err != nil {
		return nil, nil, err
	}
	for _, cc := range cfg.Clients {
		client, err := cc.toClient()
		if err != nil {
			return nil, nil, err
		}
		if err := catalog.AddClient(client); err != nil {
			return nil, nil, err
		}
	}
	logger.Info("Loaded catalog", "clients", len(cfg.Clients), "scopes", len(scopes), "resources", len(resources))
	return catalog, catalog, nil
}

// newRouter mounts the protocol endpoints, health and metrics endpoints and, when
// enabled, the development UI
func newRouter(a *app, cfg *fileConfig, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	a.handler.RegisterRoutes(mux)

	r := chi.NewRouter()
	r.Use(security.RequestIDMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	r.Handle("/connect/*", mux)
	r.Handle("/.well-known/*", mux)

	if h := a.inst.MetricsHandler(); h != nil {
		r.Handle("/metrics", h)
	}
	if cfg.UI.Dev {
		logger.Warn("⚠️  Development UI enabled: configured profiles sign in without a password")
		newDevUI(a.server, a.sessions, a.profiles, logger).Register(r)
	}
	return r
}
