// Command lanshared-rendezvous is the standalone cross-subnet Rendezvous
// Server of §4.H: a stateless HTTP process any number of lanshared daemons
// can register against.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lanshare/lanshared/internal/config"
	"github.com/lanshare/lanshared/internal/rendezvous"
)

const defaultShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "", "listen address (overrides compiled-in default)")
	staleAfter := flag.Duration("stale-after", 0, "eviction window for silent peers (overrides compiled-in default)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	level := new(slog.LevelVar)
	switch *logLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("unknown log level", slog.String("level", *logLevel))
		return 1
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg := config.DefaultServerConfig()
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *staleAfter != 0 {
		cfg.StaleAfter = *staleAfter
	}

	reg := prometheus.NewRegistry()
	srv := rendezvous.NewServer(rendezvous.ServerConfig{Addr: cfg.Addr, StaleAfter: cfg.StaleAfter}, reg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("rendezvous server listening", slog.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("rendezvous server shutdown error", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("rendezvous server exited with error", slog.Any("error", err))
			return 1
		}
	}

	logger.Info("rendezvous server stopped")
	return 0
}
