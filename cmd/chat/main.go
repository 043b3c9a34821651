// chat - terminal client for the chat relay.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/chatrelay/internal/backend"
	"github.com/ashureev/chatrelay/internal/config"
	"github.com/ashureev/chatrelay/internal/logging"
	"github.com/ashureev/chatrelay/internal/outbox"
	"github.com/ashureev/chatrelay/internal/relay"
	"github.com/ashureev/chatrelay/internal/store"
	"github.com/ashureev/chatrelay/internal/telemetry"
	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Logs never go to the terminal; set LOG_FILE to keep them.
	logger, logCloser, err := logging.New(cfg.Log, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	shutdownTracing, err := telemetry.Init(cfg.Tracing, version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracing: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	journal, err := store.NewSQLite(cfg.JournalPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open journal: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := journal.Close(); closeErr != nil {
			slog.Error("Failed to close journal", "error", closeErr)
		}
	}()

	api := backend.New(cfg.BackendURL, backend.NewMemoryTokens(), &http.Client{Timeout: cfg.RequestTimeout})
	relayClient := relay.NewClient(cfg.RelayURL, nil, func() string {
		access, _ := api.Tokens().Tokens()
		return access
	})
	ob := outbox.New(journal, api)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newApp(cfg, api, relayClient, ob, os.Stdin, os.Stdout)
	ob.StartRetryWorker(ctx, cfg.RetryInterval, app.conversationSaved)

	if err := app.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
