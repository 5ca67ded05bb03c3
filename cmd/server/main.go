// Artifact Viewer - session and credential lifecycle server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/artifact-viewer/internal/api"
	"github.com/ashureev/artifact-viewer/internal/config"
	"github.com/ashureev/artifact-viewer/internal/credential"
	"github.com/ashureev/artifact-viewer/internal/events"
	"github.com/ashureev/artifact-viewer/internal/expiry"
	"github.com/ashureev/artifact-viewer/internal/lifecycle"
	"github.com/ashureev/artifact-viewer/internal/metrics"
	"github.com/ashureev/artifact-viewer/internal/middleware"
	"github.com/ashureev/artifact-viewer/internal/remote"
	"github.com/ashureev/artifact-viewer/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "remote", cfg.RemoteBaseURL)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: cfg.RemoteBaseURL,
		Timeout: cfg.RemoteTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize processing client", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	hub := events.NewHub(events.HubConfig{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
		Logger:        logger,
	})

	refresher := credential.New(client, repo, credential.Config{
		RefreshInterval:     cfg.Credential.RefreshInterval,
		MaxReactiveAttempts: cfg.Credential.MaxReactiveAttempts,
		SettleDelay:         cfg.Credential.SettleDelay,
		Logger:              logger,
		Metrics:             m,
	})

	ctrl := lifecycle.New(repo, client, client, refresher,
		expiry.NewGuard(cfg.Session.TTL, time.Now), hub, lifecycle.Config{
			PollInterval:      cfg.Session.PollInterval,
			CountdownInterval: cfg.Session.CountdownInterval,
			Logger:            logger,
			Metrics:           m,
		})
	defer ctrl.Close()

	hub.SetInitial(func() any {
		s := ctrl.Snapshot()
		return lifecycle.Event{Type: lifecycle.EventSnapshot, Snapshot: &s}
	})

	if err := ctrl.Init(context.Background()); err != nil {
		slog.Error("Failed to restore session", "error", err)
		os.Exit(1)
	}
	slog.Info("Session restored", "stage", ctrl.Snapshot().Stage)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := middleware.NewRateLimiter(cfg.Upload.RatePerSecond, cfg.Upload.Burst)
	go limiter.Run(ctx)

	base := api.NewHandler(repo, ctrl, logger)
	healthHandler := api.NewHealthHandler(base, 5*time.Second)
	sessionHandler := api.NewSessionHandler(base, cfg.Upload.MaxBytes, limiter.Middleware)
	sequenceHandler := api.NewSequenceHandler(base, client)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())
	sessionHandler.RegisterRoutes(r)
	sequenceHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/events", hub.ServeHTTP)

	// Websocket streams need no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
