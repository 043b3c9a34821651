// chatrelay - streaming relay between chat clients and the inference service.
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

	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/identity"
	"github.com/ashureev/chatrelay/internal/logging"
	"github.com/ashureev/chatrelay/internal/middleware"
	"github.com/ashureev/chatrelay/internal/relay"
	"github.com/ashureev/chatrelay/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		slog.Error("Failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Init(cfg.Tracing, version)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting relay",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"version", version,
		"max_request_body", cfg.MaxRequestBody.String(),
	)

	// Initialize dependencies.
	upstream := relay.NewUpstream(relay.UpstreamConfig{
		AnswerURL:      cfg.AnswerUpstreamURL,
		NamingURL:      cfg.NamingUpstreamURL,
		SimpleURL:      cfg.SimpleUpstreamURL,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	metrics := relay.NewMetrics()
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	defer limiter.Stop()

	// Initialize handlers.
	relayHandler := relay.NewHandler(upstream, metrics, relay.Options{
		IdleTimeout:    cfg.StreamIdleTimeout,
		MaxRequestBody: cfg.MaxRequestBody.Int64(),
		AllowedOrigins: cfg.AllowedOrigins,
	})
	readyHandler := api.NewReadyHandler(map[string]api.Pinger{"upstream": upstream}, cfg.ConnectTimeout)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware)

	// Public routes.
	readyHandler.RegisterReady(r)
	r.Handle("/metrics", metrics.Handler())

	// Relay routes are rate limited per caller.
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		relayHandler.RegisterRoutes(r)
	})

	// Create server.
	// Note: streamed answers can run for minutes, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for streaming
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("Failed to flush traces", "error", err)
	}

	slog.Info("Server stopped successfully")
}
