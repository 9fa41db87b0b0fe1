// Package logging builds the root structured logger shared by every
// long-running task in the daemon, mirroring the level/format handling the
// BFD daemon's logging setup uses and the component-tagging convention
// from the teacher's own logger package.
package logging

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lanshare/lanshared/internal/config"
)

// New builds a slog.Logger from the resolved log configuration. level is a
// shared slog.LevelVar so a future SIGHUP-style reload could adjust
// verbosity without rebuilding the handler.
func New(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, error) {
	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		return nil, fmt.Errorf("logging: unknown level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler), nil
}

// Component returns a child logger tagged with a "component" attribute, so
// a single daemon's interleaved log stream stays attributable to the task
// that emitted each line (discovery, rendezvous, catalog, messaging, ...).
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}
