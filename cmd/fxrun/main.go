package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

const (
	appName = "fxrun"
	version = "v0.4.0"
)

func main() {
	setupLogging(os.Stderr)

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setupLogging writes human-readable logs to a terminal and JSON otherwise
func setupLogging(out *os.File) {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(out.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen})
		return
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// setLogLevel maps a --log-level value onto the global level
func setLogLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
