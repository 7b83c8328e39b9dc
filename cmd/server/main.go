package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// setupLogging switches to JSON output outside debug mode.
func setupLogging(mode string) {
	if mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
