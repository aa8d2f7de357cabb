// SPDX-License-Identifier: MIT

// dalstond is the transcription control plane: DAG orchestrator, recovery
// scanner, retention engine, session router, and webhook delivery scheduler
// in one process. Engines and gateways connect through Redis; durable state
// lives in SQLite.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/daemon"
	"github.com/dalstonhq/dalston/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dalstond %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dalstond: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "dalston",
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := daemon.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	logger.Info().
		Str("version", version).
		Str("instance_id", cfg.InstanceID).
		Msg("dalstond starting")

	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("control plane failed")
	}
	logger.Info().Msg("dalstond stopped")
}
