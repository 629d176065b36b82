// Package logging provides application-wide logging configuration.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var debugEnabled bool

// Init initializes the global logger.
func Init(debug bool) {
	debugEnabled = debug
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})
}

// DebugEnabled reports whether debug logging is enabled.
func DebugEnabled() bool {
	return debugEnabled
}

// Component returns a child logger tagged with the kernel component name,
// e.g. "worker", "queue", "kernel", "workspace".
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ForRun returns a child logger carrying run correlation fields. Step and
// attempt fields are added at the call sites that know them.
func ForRun(runID string) zerolog.Logger {
	return log.With().Str("run_id", runID).Logger()
}
