package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jasondavies/plane/internal/config"
	"github.com/jasondavies/plane/internal/httpserver"
	"github.com/jasondavies/plane/internal/platform"
	"github.com/jasondavies/plane/internal/telemetry"
	"github.com/jasondavies/plane/internal/version"
	"github.com/jasondavies/plane/pkg/backend"
	"github.com/jasondavies/plane/pkg/bus"
	"github.com/jasondavies/plane/pkg/connect"
	"github.com/jasondavies/plane/pkg/dronesock"
	"github.com/jasondavies/plane/pkg/names"
	"github.com/jasondavies/plane/pkg/node"
	"github.com/jasondavies/plane/pkg/notify"
	"github.com/jasondavies/plane/pkg/scheduler"
	"github.com/jasondavies/plane/pkg/sweeper"
)

// Run is the controller entry point. It connects to infrastructure, wires
// the components, and serves until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	controllerID := names.NewControllerName()
	logger.Info("starting plane controller",
		"controller", controllerID,
		"listen", cfg.ListenAddr(),
		"version", version.Version,
	)

	// Database
	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	// Redis (optional, for connect rate limiting)
	var limiter *connect.RateLimiter
	if cfg.RedisURL != "" {
		rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("closing redis", "error", err)
			}
		}()
		limiter = connect.NewRateLimiter(rdb, cfg.ConnectRateLimit, time.Minute)
		logger.Info("connect rate limiting enabled", "limit_per_minute", cfg.ConnectRateLimit)
	} else {
		logger.Info("connect rate limiting disabled (REDIS_URL not set)")
	}

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// Core components
	eventBus := bus.New(logger)
	backendStore := backend.NewStore(pool, eventBus, logger)
	nodeStore := node.NewStore(pool, logger)

	if err := nodeStore.RegisterController(ctx, controllerID, version.Version, version.GitHash); err != nil {
		return fmt.Errorf("registering controller: %w", err)
	}

	registry := node.NewRegistry(nodeStore, controllerID, logger)
	registry.Start()
	defer registry.Close()

	resolver := connect.NewResolver(backendStore, scheduler.LeastLoaded{}, cfg.DefaultCluster, cfg.PublicURL, logger)
	sw := sweeper.New(backendStore, logger)

	notifier := notify.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if notifier.IsEnabled() {
		logger.Info("slack notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack notifications disabled (SLACK_BOT_TOKEN or SLACK_ALERT_CHANNEL not set)")
	}

	// HTTP surface
	srv := httpserver.NewServer(httpserver.ServerConfig{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Version:            version.Version,
	}, logger, pool, metricsReg)

	connectHandler := connect.NewHandler(resolver, backendStore, limiter, logger)
	connectHandler.Mount(srv.Router)

	droneHandler := dronesock.NewHandler(backendStore, registry, sw, notifier, logger)
	droneHandler.Mount(srv.Router)

	backendHandler := backend.NewHandler(backendStore, logger)
	srv.Router.Mount("/pub/b", backendHandler.PublicRoutes())

	nodeHandler := node.NewHandler(nodeStore, logger)
	srv.Router.Route("/api", func(r chi.Router) {
		r.Mount("/backends", backendHandler.AdminRoutes())
		r.Mount("/nodes", nodeHandler.AdminRoutes())
	})

	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     srv,
		ReadTimeout: 10 * time.Second,
		// Status streams are long-lived; no write timeout.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("controller listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down controller")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
