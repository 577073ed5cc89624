// Package main implements the fleet agent binary that runs on every peer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/fleet/cmd/fleet-agent/commands"
	"github.com/openfroyo/fleet/pkg/agent"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const (
	exitFailure = 1
	// exitFatal asks the supervisor for a restart with fresh state.
	exitFatal = 2
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Agent terminated")
		if agent.IsFatal(err) {
			os.Exit(exitFatal)
		}
		os.Exit(exitFailure)
	}
}
