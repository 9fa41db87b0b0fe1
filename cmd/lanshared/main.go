// Command lanshared is the LAN collaboration daemon: one process per host,
// holding the peer table, the broadcast discovery loop, the optional
// rendezvous client, the resource catalog, and the message channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lanshare/lanshared/internal/config"
	"github.com/lanshare/lanshared/internal/daemon"
	"github.com/lanshare/lanshared/internal/logging"
	"github.com/lanshare/lanshared/internal/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.Any("error", err))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logger, err := logging.New(cfg.Log, logLevel)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to build logger", slog.Any("error", err))
		return 1
	}

	logger.Info("lanshared starting",
		slog.String("username", cfg.Identity.Username),
		slog.Int("port", cfg.Network.Port),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	host, err := daemon.New(ctx, cfg, logger, collector)
	if err != nil {
		logger.Error("failed to construct daemon", slog.Any("error", err))
		return 1
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr))
		if err := listenAndServe(ctx, metricsSrv, cfg.Metrics.Addr); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	if err := host.Run(ctx); err != nil {
		logger.Error("lanshared exited with error", slog.Any("error", err))
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	metricsSrv.Shutdown(shutdownCtx)

	logger.Info("lanshared stopped")
	return 0
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}
