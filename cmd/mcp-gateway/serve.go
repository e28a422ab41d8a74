package main

import (
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/auth"
	"github.com/ggoodman/mcp-tenant-gateway/broker"
	memorybroker "github.com/ggoodman/mcp-tenant-gateway/broker/memory"
	redisbroker "github.com/ggoodman/mcp-tenant-gateway/broker/redis"
	"github.com/ggoodman/mcp-tenant-gateway/dispatch"
	"github.com/ggoodman/mcp-tenant-gateway/executor"
	"github.com/ggoodman/mcp-tenant-gateway/gateway"
	"github.com/ggoodman/mcp-tenant-gateway/internal/config"
	"github.com/ggoodman/mcp-tenant-gateway/internal/jwtauth"
	"github.com/ggoodman/mcp-tenant-gateway/oauth"
	"github.com/ggoodman/mcp-tenant-gateway/sessions"
	"github.com/ggoodman/mcp-tenant-gateway/storage"
	"github.com/ggoodman/mcp-tenant-gateway/storage/memory"
	redisstorage "github.com/ggoodman/mcp-tenant-gateway/storage/redis"
	"github.com/ggoodman/mcp-tenant-gateway/tenant"
	"github.com/ggoodman/mcp-tenant-gateway/tenant/filestore"
	"github.com/ggoodman/mcp-tenant-gateway/tenant/sqlstore"
	"github.com/go-jose/go-jose/v4"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		Long: `Starts the gateway. Tenants are read from TENANT_DB_PATH (SQLite) or
TENANT_FILE (YAML, reloaded on change). The OAuth endpoints are mounted when
OAUTH_LOGIN_URL is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(log)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, log)
		},
	}
}

// runServe runs the gateway until ctx is done, then shuts down gracefully.
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	var rdb redis.UniversalClient
	if cfg.RedisAddr != "" {
		cl, err := openRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = cl.Close() }()
		rdb = cl
	}

	bus, err := newBroker(cfg, rdb)
	if err != nil {
		return err
	}

	store, watch, closeStore, err := openTenantStore(cfg, log, func(changed []string) {
		if err := sessions.PublishToolsetChanged(gctx, bus, changed...); err != nil {
			log.WarnContext(gctx, "tenant.change.publish.fail", slog.String("err", err.Error()))
		}
	})
	if err != nil {
		return err
	}
	defer closeStore()

	router, err := newExecutorRouter(ctx, cfg)
	if err != nil {
		return err
	}

	bearer, err := newAuthenticator(ctx, cfg)
	if err != nil {
		return err
	}

	registry := sessions.NewRegistry(
		sessions.WithLogger(log),
		sessions.WithIdleTimeout(cfg.SessionIdleTimeout),
	)

	opts := []gateway.Option{gateway.WithLogger(log)}
	if cfg.PublicURL != "" {
		opts = append(opts, gateway.WithPublicURL(cfg.PublicURL))
	}
	if cfg.OAuthEnabled() {
		kv, err := openStorage(cfg, rdb)
		if err != nil {
			return err
		}
		if rdb == nil {
			defer func() { _ = kv.Close() }()
		}

		srv, err := newOAuthServer(cfg, kv, log)
		if err != nil {
			return err
		}
		opts = append(opts, gateway.WithOAuth(srv))
	}

	gw, err := gateway.New(
		registry,
		tenant.NewBinder(store, tenant.WithLogger(log)),
		dispatch.New(router, dispatch.WithLogger(log)),
		bearer,
		opts...,
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	if watch != nil {
		g.Go(func() error { return watch(gctx) })
	}
	g.Go(func() error { return registry.Run(gctx) })
	g.Go(func() error { return registry.FollowToolsetChanges(gctx, bus) })
	g.Go(func() error {
		log.InfoContext(gctx, "http.server.start",
			slog.String("addr", httpServer.Addr),
			slog.Bool("oauth", cfg.OAuthEnabled()),
			slog.Bool("redis", rdb != nil),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("http.server.shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return cl, nil
}

// newBroker fans toolset changes out through Redis when it is configured so
// every replica hears them, and in process otherwise.
func newBroker(cfg *config.Config, rdb redis.UniversalClient) (broker.Broker, error) {
	if rdb == nil {
		return memorybroker.New(0), nil
	}
	return redisbroker.New(redisbroker.Config{Client: rdb, KeyPrefix: cfg.RedisKeyPrefix + "broker:"})
}

// openTenantStore selects the tenant store from configuration. watch is
// non-nil when the store follows its source for changes.
func openTenantStore(cfg *config.Config, log *slog.Logger, onChange func([]string)) (store tenant.Store, watch func(context.Context) error, closeFn func(), err error) {
	switch {
	case cfg.TenantDBPath != "":
		s, err := sqlstore.New(cfg.TenantDBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("tenant.store.open", slog.String("kind", "sqlite"), slog.String("path", cfg.TenantDBPath))
		return s, nil, func() { _ = s.Close() }, nil

	case cfg.TenantFile != "":
		s, err := filestore.New(cfg.TenantFile, filestore.WithLogger(log), filestore.WithOnChange(onChange))
		if err != nil {
			return nil, nil, nil, err
		}
		log.Info("tenant.store.open", slog.String("kind", "file"), slog.String("path", cfg.TenantFile))
		return s, s.Watch, func() {}, nil

	default:
		log.Warn("tenant.store.open", slog.String("kind", "empty"))
		return tenant.NewStaticStore(), nil, func() {}, nil
	}
}

func newExecutorRouter(ctx context.Context, cfg *config.Config) (*executor.Router, error) {
	httpOpts := []executor.HTTPOption{executor.WithTimeout(cfg.ExecutorTimeout)}

	router := executor.NewRouter().
		Handle(tenant.BackendExecute, executor.NewServiceExecutor(cfg.ToolExecutorURL, httpOpts...)).
		Handle(tenant.BackendREST, executor.NewRESTProxy(httpOpts...))

	if cfg.ActionsEnabled() {
		runner, err := executor.NewActionRunner(ctx, executor.ActionConfig{
			ClientID:     cfg.PipedreamClientID,
			ClientSecret: cfg.PipedreamClientSecret,
			ProjectID:    cfg.PipedreamProjectID,
			Environment:  cfg.PipedreamEnvironment,
		}, httpOpts...)
		if err != nil {
			return nil, err
		}
		router.Handle(tenant.BackendAction, runner)
	}
	return router, nil
}

// openStorage returns the OAuth state store: redis when configured,
// otherwise a bounded in-memory store.
func openStorage(cfg *config.Config, rdb redis.UniversalClient) (storage.Storage, error) {
	if rdb == nil {
		return memory.NewWithSweep(cfg.MemoryMaxItems, time.Minute,
			memory.WithDurableNamespaces(oauth.DurableNamespaces()...))
	}
	return redisstorage.New(redisstorage.Config{Client: rdb, KeyPrefix: cfg.RedisKeyPrefix})
}

func newOAuthServer(cfg *config.Config, kv storage.Storage, log *slog.Logger) (*oauth.Server, error) {
	keys, err := signingKeys(cfg)
	if err != nil {
		return nil, err
	}
	opts := []oauth.ServerOption{
		oauth.WithLoginURL(cfg.OAuthLoginURL),
		oauth.WithLogger(log),
	}
	if cfg.PublicURL != "" {
		opts = append(opts, oauth.WithIssuerURL(cfg.PublicURL))
	}
	return oauth.NewServer(kv, keys, opts...)
}

// signingKeys loads the asymmetric key file when configured and falls back
// to an HMAC secret.
func signingKeys(cfg *config.Config) (*jwtauth.Keys, error) {
	if cfg.OAuthSigningKeyFile != "" {
		raw, err := os.ReadFile(cfg.OAuthSigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		signer, err := jwtauth.ParsePrivateKeyPEM(raw)
		if err != nil {
			return nil, err
		}
		thumb, err := (&jose.JSONWebKey{Key: signer.Public()}).Thumbprint(crypto.SHA256)
		if err != nil {
			return nil, fmt.Errorf("key thumbprint: %w", err)
		}
		return jwtauth.NewFromPrivateKey(signer, base64.RawURLEncoding.EncodeToString(thumb))
	}

	secret := cfg.OAuthSigningSecret
	if secret == "" {
		secret = cfg.JWTSecret
	}
	return jwtauth.NewHMAC([]byte(secret))
}

// newAuthenticator accepts platform HS256 tokens and, when configured, tokens
// from an external identity provider.
func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	platform, err := auth.NewBearerAuthenticator([]byte(cfg.JWTSecret))
	if err != nil {
		return nil, err
	}
	if !cfg.IdPEnabled() {
		return platform, nil
	}

	var idp *auth.IdPAuthenticator
	if cfg.BearerOIDCIssuer != "" {
		idp, err = auth.NewFromDiscovery(ctx, cfg.BearerOIDCIssuer, cfg.BearerOIDCAudience)
	} else {
		idp, err = auth.NewFromJWKS(ctx, cfg.BearerJWKSURL, "", cfg.BearerOIDCAudience)
	}
	if err != nil {
		return nil, fmt.Errorf("external idp: %w", err)
	}
	return auth.Chain{platform, idp}, nil
}
