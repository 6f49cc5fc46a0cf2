// Package main is the entrypoint for the genwatch daemon.
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

	"github.com/kiranshivaraju/genwatch/internal/api"
	"github.com/kiranshivaraju/genwatch/internal/api/handler"
	mw "github.com/kiranshivaraju/genwatch/internal/api/middleware"
	"github.com/kiranshivaraju/genwatch/internal/archive"
	"github.com/kiranshivaraju/genwatch/internal/cache"
	"github.com/kiranshivaraju/genwatch/internal/config"
	"github.com/kiranshivaraju/genwatch/internal/gateway"
	"github.com/kiranshivaraju/genwatch/internal/history"
	"github.com/kiranshivaraju/genwatch/internal/notify"
	"github.com/kiranshivaraju/genwatch/internal/poller"
	"github.com/kiranshivaraju/genwatch/internal/store"
	"github.com/kiranshivaraju/genwatch/internal/stream"
	"github.com/kiranshivaraju/genwatch/internal/telemetry"
	"github.com/kiranshivaraju/genwatch/internal/watch"
)

const shutdownTimeout = 30 * time.Second

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Server.LogLevel}))
	slog.SetDefault(logger)
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"remote", cfg.Remote.BaseURL,
		"poll_interval", cfg.Poller.Interval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Remote gateway and polling registry
	gw := gateway.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.ArtifactBaseURL, cfg.Remote.Timeout)
	registry := poller.New(gw,
		poller.WithCadence(cfg.Poller.Interval),
		poller.WithLogger(logger.With("component", "poller")),
	)

	checks := map[string]handler.Pinger{}
	deps := watch.Deps{
		Gateway:     gw,
		Registry:    registry,
		SnapshotTTL: cfg.Redis.SnapshotTTL,
		Logger:      logger.With("component", "watch"),
	}

	// 3. Optional Redis snapshot cache and rate limit counter
	var counter mw.Counter
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")

		deps.Cache = redisCache
		counter = redisCache
		checks["cache"] = redisCache
	}

	// 4. Optional Postgres history store
	var pgStore *store.PostgresStore
	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		slog.Info("database connected")

		if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("database migrations applied")

		pgStore = store.NewPostgresStore(pool)
		deps.Store = pgStore
		checks["database"] = pgStore
	}

	// 5. Live streams
	hub := stream.NewHub(logger.With("component", "stream"))
	defer hub.CloseAll()
	deps.Stream = hub

	// 6. Optional terminal webhook
	if cfg.Webhook.URL != "" {
		deps.Notifier = notify.NewWebhookSender(cfg.Webhook.URL, cfg.Webhook.Timeout, cfg.Webhook.MaxRetries)
		slog.Info("webhook notifications enabled")
	}

	// 7. Optional artifact archive
	if cfg.Archive.Enabled() {
		archiver, err := archive.New(ctx, cfg.Archive, cfg.Remote.Timeout)
		if err != nil {
			return fmt.Errorf("create archiver: %w", err)
		}
		deps.Archiver = archiver
		slog.Info("artifact archiving enabled", "destination", archiver.Destination())
	}

	svc := watch.New(deps)
	defer svc.Close()

	// 8. Optional scheduled history sync
	if cfg.History.SyncSchedule != "" && pgStore != nil {
		syncer := history.NewSyncer(gw, pgStore,
			history.WithPageSize(cfg.History.PageSize),
			history.WithLogger(logger.With("component", "history")),
		)
		if err := syncer.Start(cfg.History.SyncSchedule); err != nil {
			return fmt.Errorf("start history sync: %w", err)
		}
		defer syncer.Stop()
	}

	// 9. Build router with dependencies
	auth := mw.NewAuth(cfg.Auth.APIKeyHash)
	if !auth.Enabled() {
		slog.Warn("GENWATCH_API_KEY_HASH not set, API is unauthenticated")
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: mw.NewRateLimit(counter, cfg.Auth.RequestsPerMinute),

		HealthHandler: handler.NewHealthHandler(version, checks, svc),
		Metrics:       telemetry.Handler(),

		SubmitHandler: handler.NewSubmitHandler(svc),
		ListJobs:      handler.NewListJobsHandler(svc),
		GetJob:        handler.NewGetJobHandler(svc),
		StreamJob:     handler.NewStreamHandler(svc, hub),
		ListWatches:   handler.NewListWatchesHandler(svc),
		PutWatch:      handler.NewPutWatchHandler(svc),
		DeleteWatch:   handler.NewDeleteWatchHandler(svc),
		ListHistory:   handler.NewListHistoryHandler(svc),
		GetHistory:    handler.NewGetHistoryHandler(svc),
	})

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully", "tracking", len(svc.Active()))
	return nil
}
