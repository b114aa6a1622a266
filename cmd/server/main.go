// sessionkeeper - HTTP server for durable agent conversation sessions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/sessionkeeper/internal/api"
	"github.com/ashureev/sessionkeeper/internal/backend"
	"github.com/ashureev/sessionkeeper/internal/config"
	"github.com/ashureev/sessionkeeper/internal/metrics"
	"github.com/ashureev/sessionkeeper/internal/middleware"
	"github.com/ashureev/sessionkeeper/internal/session"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "backend", cfg.Backend, "codec", cfg.Codec)

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	// Initialize dependencies.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := backend.Open(ctx, cfg, logger, m)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err, "backend", cfg.Backend)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(ctx, api.DefaultHealthTimeout)
	err = repo.Ping(pingCtx)
	cancelPing()
	if err != nil {
		slog.Error("Session store health check failed", "error", err, "backend", cfg.Backend)
		os.Exit(1)
	}
	slog.Info("Session store connected", "backend", cfg.Backend)

	sessions := session.NewManager(repo,
		session.WithLogger(logger),
		session.WithRetry(session.RetryPolicy{
			Attempts:  cfg.Retry.Attempts,
			BaseDelay: cfg.Retry.BaseDelay,
			MaxDelay:  cfg.Retry.MaxDelay,
		}),
	)

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, sessions)
	sessionHandler := api.NewSessionHandler(baseHandler)
	healthHandler := api.NewHealthHandler(repo, cfg.Backend, api.DefaultHealthTimeout)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	if m != nil {
		r.Use(middleware.Metrics(m))
	}

	// Public routes.
	healthHandler.RegisterHealth(r)
	if m != nil {
		r.Handle("/metrics", m.Handler())
	}

	sessionHandler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
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
	}

	slog.Info("Server stopped successfully")
}
