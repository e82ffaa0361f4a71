// Package mireapprove is the public API for embedding the attendance backend:
//
//	app, err := mireapprove.New(
//	    mireapprove.WithVersion(version),
//	    mireapprove.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: mireapprove (root)
// imports internal/*, but internal/* never imports the root.
package mireapprove

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mireapprove/backend/internal/bot"
	"github.com/mireapprove/backend/internal/challenge"
	"github.com/mireapprove/backend/internal/config"
	"github.com/mireapprove/backend/internal/marking"
	"github.com/mireapprove/backend/internal/model"
	"github.com/mireapprove/backend/internal/ratelimit"
	"github.com/mireapprove/backend/internal/secrets"
	"github.com/mireapprove/backend/internal/server"
	"github.com/mireapprove/backend/internal/session"
	"github.com/mireapprove/backend/internal/storage"
	"github.com/mireapprove/backend/internal/telemetry"
	"github.com/mireapprove/backend/internal/upstream"
	"github.com/mireapprove/backend/migrations"
)

// App is the backend lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	cache        *session.Cache
	coord        *challenge.Coordinator
	engine       *marking.Engine
	limiter      *ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the backend: config, database, migrations, the session
// broker, the marking engine, the Telegram bridge and the HTTP server.
// It does not start goroutines or accept connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("mireapprove starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	box, err := secrets.NewBox(cfg.EncryptionKey)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("secrets: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, box, storage.Options{
		MinConns: int32(cfg.DBPoolMin),
		MaxConns: int32(cfg.DBPoolMax),
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Rate limiting is optional: no REDIS_URL means every request passes.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(opt)
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			// The limiter fails open, so an unreachable Redis degrades to
			// no throttling rather than blocking startup.
			logger.Warn("redis unreachable, rate limiting degraded", "error", err)
		} else {
			logger.Info("rate limiting: redis fixed window", "requests_per_minute", cfg.RateLimitRequests)
		}
	} else {
		logger.Info("rate limiting: disabled (no REDIS_URL)")
	}
	limiter := ratelimit.New(redisClient, logger)

	upClient := upstreamClient(cfg, logger)
	botClient := bot.NewClient(cfg.BotToken, "", logger)

	coord := challenge.NewCoordinator(db, logger)
	notifier := challenge.NewNotifier(db, botClient, logger)
	cache := session.NewCache(cfg.CacheTTL)
	broker := session.NewBroker(db, upClient, cache, coord, notifier, logger)

	engine := marking.NewEngine(broker, db, botClient, db, cfg.SessionTTL, logger)
	bridge := bot.NewBridge(broker, db, botClient, cfg.WebAppURL, logger)

	srv := server.New(server.Config{
		Port:               cfg.Port,
		ReadTimeout:        cfg.ReadTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		BotToken:           cfg.BotToken,
		TrustedAPIKey:      cfg.TrustedServiceAPIKey,
		RateLimitPerMinute: cfg.RateLimitRequests,
	}, broker, engine, db, bridge, limiter, logger)

	app := &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		cache:        cache,
		coord:        coord,
		engine:       engine,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}

	if err := app.bootstrapSuperAdmin(context.Background(), broker); err != nil {
		logger.Warn("super admin bootstrap failed", "error", err)
	}
	return app, nil
}

// Run starts background sweeps and the HTTP server, then blocks until ctx is
// cancelled or a fatal server error occurs. On return, Shutdown is called
// automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	go a.maintenanceLoop(ctx)
	go a.tokenCleanupLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	return a.Shutdown(context.Background())
}

// Shutdown drains in-flight HTTP requests, then closes the limiter, the
// database pool and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("mireapprove shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("mireapprove stopped")
	return nil
}

// bootstrapSuperAdmin ensures the configured operator account exists with
// full rights. Registration is idempotent.
func (a *App) bootstrapSuperAdmin(ctx context.Context, broker *session.Broker) error {
	if a.cfg.SuperAdmin == 0 {
		return nil
	}
	if err := broker.Register(ctx, a.cfg.SuperAdmin); err != nil {
		return err
	}
	if err := a.db.SetAdminLevel(ctx, a.cfg.SuperAdmin, model.AdminLevelSuper); err != nil {
		return err
	}
	if err := a.db.SetAllowConfirm(ctx, a.cfg.SuperAdmin, true); err != nil {
		return err
	}
	a.logger.Info("super admin ready", "tg_id", a.cfg.SuperAdmin)
	return nil
}

// maintenanceLoop sweeps short-lived state: expired challenges, stale cookie
// cache entries and finished marking sessions past their TTL.
func (a *App) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			a.coord.CleanupExpired(opCtx)
			cancel()
			a.cache.Sweep()
			a.engine.EvictExpired()
		}
	}
}

func upstreamClient(cfg config.Config, logger *slog.Logger) *upstream.Client {
	return upstream.NewClient(upstream.Config{
		BaseURL:     cfg.UpstreamBaseURL,
		AppBaseURL:  cfg.UpstreamAppBaseURL,
		GetTimeout:  cfg.HTTPTimeout,
		PostTimeout: cfg.HTTPTimeout,
		CallTimeout: cfg.HTTPTimeout,
	}, logger)
}

// tokenCleanupLoop deletes external auth tokens nobody approved in time.
func (a *App) tokenCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.DeleteExpiredExternalTokens(opCtx, time.Now())
			cancel()
			if err != nil {
				a.logger.Warn("external token cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("expired external tokens removed", "count", deleted)
			}
		}
	}
}
