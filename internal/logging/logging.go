// Package logging configures the zerolog logger used across the sync
// engine, mirroring the teacher gateway's logger package.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/config"
)

// New returns a configured zerolog.Logger: human-readable console output
// in development, structured JSON otherwise, level gated by cfg.LogLevel.
func New(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if cfg.IsDevelopment() && lvl > zerolog.DebugLevel {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(out).With().Timestamp().Logger()
}
