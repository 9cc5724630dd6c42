// Package logging configures the global zerolog logger isorun's
// components share via log.With().Str("component", ...). Grounded on
// cmd/pulse/main.go's runServer(), which sets zerolog.TimeFieldFormat and
// swaps in a zerolog.ConsoleWriter at startup.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger. pretty selects a human-readable
// console writer (for interactive terminals); otherwise logs are emitted
// as newline-delimited JSON, suited to log aggregation.
func Init(level string, pretty bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}
