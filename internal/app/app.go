package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/graphgate/internal/config"
	"github.com/wisbric/graphgate/internal/httpserver"
	"github.com/wisbric/graphgate/internal/platform"
	"github.com/wisbric/graphgate/internal/telemetry"
	"github.com/wisbric/graphgate/pkg/auth"
	"github.com/wisbric/graphgate/pkg/flush"
	"github.com/wisbric/graphgate/pkg/graphql"
	"github.com/wisbric/graphgate/pkg/handler"
	"github.com/wisbric/graphgate/pkg/notify"
	"github.com/wisbric/graphgate/pkg/ops"
	"github.com/wisbric/graphgate/pkg/pgpool"
	"github.com/wisbric/graphgate/pkg/tenant"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the gateway.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting graphgate",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
		"is_public", cfg.IsPublic,
	)

	// Metadata database
	metadata, err := platform.NewPostgresPool(ctx, cfg.MetadataURL())
	if err != nil {
		return fmt.Errorf("connecting to metadata database: %w", err)
	}
	defer metadata.Close()

	// Redis (flush rate limiting; optional)
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
	} else {
		logger.Warn("redis not configured, flush rate limiting disabled")
	}

	// Catalog migrations
	if err := platform.RunCatalogMigrations(cfg.MetadataURL(), cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running catalog migrations: %w", err)
	}
	logger.Info("catalog migrations applied")

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry()

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, metadata, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, metadata *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Tenant pool registry. Pools are keyed by database name and shared by
	// every handler serving that database.
	pools := pgpool.NewRegistry(
		func(ctx context.Context, dbname string) (*pgxpool.Pool, error) {
			dsn, err := cfg.TenantURL(dbname)
			if err != nil {
				return nil, err
			}
			return platform.NewPostgresPool(ctx, dsn)
		},
		logger,
		pgpool.WithGauge(telemetry.PoolsRegistered),
	)
	defer pools.CloseAll()

	// Two cache tiers: resolved tenant metadata, and built handlers. The
	// service tier cascades its evictions into the handler tier.
	handlers := handler.NewCache(cfg.CacheSize, cfg.CacheTTL, pools, telemetry.CacheEvictionsTotal)
	services := flush.NewServiceCache(cfg.CacheSize, cfg.CacheTTL, handlers, telemetry.CacheEvictionsTotal)

	catalog := &tenant.PGCatalog{Pool: metadata}
	resolver := tenant.NewResolver(
		catalog,
		services,
		tenant.Options{
			IsPublic:          cfg.IsPublic,
			MetaSchemas:       cfg.MetaSchemas,
			DefaultDatabaseID: cfg.DefaultDatabaseID,
			EnableServicesAPI: cfg.EnableServicesAPI,
			TrustProxy:        cfg.TrustProxy,
			DefaultAnonRole:   cfg.AnonRole,
			DefaultAuthRole:   cfg.RoleName,
			ExposedSchemas:    cfg.ExposedSchemas,
			MetadataDbname:    cfg.PGDatabase,
			AdminAPIKey:       cfg.AdminAPIKey,
			AdminAllowedIPs:   cfg.AdminAllowedIPs,
		},
		logger,
		telemetry.CacheRequestsTotal,
	)

	builder := handler.NewBuilder(graphql.PGFactory{}, pools, handlers, logger, handler.Metrics{
		Builds:        telemetry.HandlerBuildsTotal,
		BuildDuration: telemetry.HandlerBuildDuration,
		Lookups:       telemetry.CacheRequestsTotal,
	})

	dispatcher := flush.NewDispatcher(services, handlers, logger, telemetry.FlushesTotal)
	limiter := flush.NewRateLimiter(rdb, cfg.FlushRateLimit, time.Minute)
	flushHandler := flush.Handler(dispatcher, flush.EndpointConfig{
		Secret:     cfg.FlushSecret,
		TrustProxy: cfg.TrustProxy,
		TenantKey: func(r *http.Request) string {
			return tenant.ParseIntent(r, cfg.IsPublic, cfg.DefaultDatabaseID).Key
		},
	}, limiter, logger)

	// Invalidation listener on a dedicated connection.
	opsNotifier := ops.NewNotifier(cfg.SlackBotToken, cfg.SlackOpsChannel, logger)
	listener := notify.NewListener(
		func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.Connect(ctx, cfg.MetadataURL())
		},
		cfg.ListenChannel,
		dispatcher,
		catalog,
		opsNotifier,
		cfg.ListenDegradedAfter,
		logger,
		notify.Metrics{
			Notifications: telemetry.NotificationsTotal,
			Reconnects:    telemetry.ListenerReconnectsTotal,
		},
	)
	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("invalidation listener stopped", "error", err)
		}
	}()

	srv := httpserver.NewServer(cfg, logger, resolver, builder, auth.SQLValidator{}, metadata, rdb, metricsReg, flushHandler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
