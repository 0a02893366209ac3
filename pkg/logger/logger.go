// Package logx configures the process-global zerolog logger.
package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets up the global logger. level is a zerolog level name ("debug",
// "info", "warn", ...); unknown or empty values fall back to info. pretty
// switches to the human-readable console writer for local runs.
func Init(level string, pretty bool) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := io.Writer(os.Stdout)
	if pretty {
		out = zerolog.NewConsoleWriter()
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(lvl)
}
