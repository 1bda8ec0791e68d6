// Command notifyd is the notification engine daemon: detection loops, the
// dispatcher, maintenance tickers and the admin API in one process.
//
// Usage:
//
//	notifyd
//	API_PORT=8080 LOG_FORMAT=json notifyd

// @title AgencyOps Notification Engine API
// @version 1.0.0
// @description Admin API for the notification engine: queue status, delivery failures, forced dispatch and manual event injection.
// @host localhost:8000
// @BasePath /api/v1
// @schemes http https
// @contact.name AgencyOps
// @license.name MIT
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/albapepper/agencyops/internal/api"
	"github.com/albapepper/agencyops/internal/app"
	"github.com/albapepper/agencyops/internal/config"

	_ "github.com/albapepper/agencyops/docs" // swagger docs
)

const version = "1.0.0"

func main() {
	// Load .env if present
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}
	logger := app.Logger(cfg, os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("Connecting to database...")
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	logger.Info("Database connected",
		"min_conns", cfg.DBPoolMinConns,
		"max_conns", cfg.DBPoolMaxConns)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		a.Run(ctx)
	}()

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(a.HandlerDeps(version), cfg),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting admin API",
			"addr", addr,
			"environment", cfg.Environment,
			"docs", fmt.Sprintf("http://localhost:%d/docs/", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			cancel()
		}
	}()

	// Wait for interrupt
	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}

	// The engine lets an in-flight dispatch batch finish.
	select {
	case <-engineDone:
	case <-time.After(max(30*time.Second, 2*cfg.SendTimeout)):
		logger.Warn("Engine did not stop in time")
	}
	logger.Info("Server stopped")
}
