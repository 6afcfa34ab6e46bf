package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"marketsync/internal/cmd"
)

// Set through -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	if err := cmd.Execute(context.Background()); err != nil {
		log.Error().Err(err).Msg("marketsync failed")
		os.Exit(1)
	}
}
