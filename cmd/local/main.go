// Package main provides a local development server for testing webhooks.
// State is kept in a SQLite file (SQLITE_PATH, default recall.db).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shipitai/recall/app"
	"github.com/shipitai/recall/config"
	"github.com/shipitai/recall/storage/sqlite"
)

const defaultSQLitePath = "recall.db"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := run(logger); err != nil {
		logger.Error("local server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return err
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = defaultSQLitePath
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	a, err := app.New(ctx, app.Options{Config: cfg, Storage: store, Logger: logger})
	if err != nil {
		return err
	}

	server := &http.Server{Addr: ":" + cfg.Port, Handler: a.Handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting local server", "port", cfg.Port, "db", cfg.SQLitePath)
	logger.Info("webhook endpoint", "url", fmt.Sprintf("http://localhost:%s/webhooks/github", cfg.Port))

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Close(drainCtx)
}
