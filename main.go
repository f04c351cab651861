package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mindframe0/mindframe/internal/app"
	"github.com/mindframe0/mindframe/internal/config"
	"github.com/mindframe0/mindframe/internal/log"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load .env if present; real environment wins.
	_ = godotenv.Load()

	logger := initLogger()
	slog.SetDefault(logger)

	// Load validates; a config error fails fast here.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("closing application", "error", err)
		}
	}()

	logger.Info("mindframe ready")
	<-ctx.Done()
	logger.Info("shutdown signal received")

	return nil
}

// initLogger builds the process logger. DEBUG in the environment
// switches to debug level.
func initLogger() log.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
		cfg.AddSource = true
	}
	return log.New(cfg)
}
