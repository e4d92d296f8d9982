// Peertrade - P2P fiat trade coordination over hold-invoice escrow
package main

import (
	"context"
	"os"

	"github.com/mbd888/peertrade/internal/config"
	"github.com/mbd888/peertrade/internal/logging"
	"github.com/mbd888/peertrade/internal/server"
	"github.com/mbd888/peertrade/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting peertrade",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"fee_percent", cfg.FeePercent,
		"max_disputes", cfg.MaxDisputes,
	)

	ctx := context.Background()

	// Tracing (no-op unless an OTLP endpoint is configured)
	shutdownTraces, err := traces.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), logger)
	if err != nil {
		logger.Warn("failed to initialize tracing", "error", err)
	} else {
		defer func() { _ = shutdownTraces(context.Background()) }()
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
