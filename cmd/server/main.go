// Package main provides the HTTP server for self-hosted deployments.
//
// Configuration is read from the environment; see config.LoadServerConfig.
// DATABASE_URL (PostgreSQL) is required. WEAVIATE_URL with OPENAI_API_KEY
// and NEO4J_URI enable the knowledge stores.
//
// Usage:
//
//	go run ./cmd/server
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

	"github.com/shipitai/recall/anthropic"
	"github.com/shipitai/recall/app"
	"github.com/shipitai/recall/config"
	"github.com/shipitai/recall/storage/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := postgres.NewFromDSN(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	validateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = anthropic.ValidateAPIKey(validateCtx, cfg.AnthropicAPIKey)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("anthropic key accepted", "key_hint", anthropic.KeyHint(cfg.AnthropicAPIKey))

	a, err := app.New(ctx, app.Options{Config: cfg, Storage: store, Logger: logger})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      a.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	// Reviews already accepted keep running until the deadline.
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("failed to drain background tasks", "error", err)
	}
	return nil
}
