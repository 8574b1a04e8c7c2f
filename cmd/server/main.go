// Package main runs the handoff server: the remote that agents replay
// pending operations against.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sbarhandoff/backend/cmd/server/handlers"
	"github.com/sbarhandoff/backend/internal/config"
	"github.com/sbarhandoff/backend/internal/db"
	"github.com/sbarhandoff/backend/internal/handoff"
	"github.com/sbarhandoff/backend/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Error("Invalid configuration", err)
		os.Exit(1)
	}
	logging.InitWithOptions(logging.Options{
		Level:       logging.ParseLevel(cfg.LogLevel),
		Development: cfg.IsDevelopment(),
	})
	defer logging.Get().Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error("Server exited with error", err)
		os.Exit(1)
	}
	logging.Info("Server exited properly", nil)
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.Connect(cfg.DBDriver, cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.NewMigrator(database, db.ServerMigrations()).Migrate(); err != nil {
		return err
	}

	repo := handoff.NewRepository(database)
	defer repo.Close()

	h := handlers.NewHandler(handoff.NewService(repo, nil), database)
	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      h.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Handoff server starting", map[string]interface{}{
			"addr":   cfg.ServerAddr,
			"driver": string(cfg.DBDriver),
		})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info("Shutting down server", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
