package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"smartfeeder/feeder-server/internal/app"
	"smartfeeder/feeder-server/internal/config"
	"smartfeeder/feeder-server/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "feeder-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	application := app.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting feeder server",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("timezone", cfg.Location.String()),
	)

	if err := application.Run(ctx); err != nil {
		logger.Error("application terminated", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	logger.Info("application stopped cleanly")
}
