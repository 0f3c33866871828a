package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/opentundra/opentundra/cmd/tundra/commands"
	"github.com/opentundra/opentundra/pkg/telemetry"
	"github.com/rs/zerolog/log"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// Create context that cancels on interrupt signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Commands derive their loggers from the context so subsystems inherit
	// the configured level and format.
	ctx = telemetry.WithLogger(ctx, log.Logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("Received interrupt signal, shutting down...")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}

// setupLogging configures zerolog for console output. LOG_LEVEL overrides
// the default info level; LOG_FORMAT=json switches to machine output.
func setupLogging() {
	format := "console"
	if os.Getenv("LOG_FORMAT") == "json" {
		format = "json"
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  os.Getenv("LOG_LEVEL"),
		Format: format,
		Output: "stderr",
	})
	if err != nil {
		return
	}
	log.Logger = logger
}
