// Package daemon wires the Peer Table, Broadcast Discovery Loop,
// Rendezvous Client, Packet Demultiplexer, Resource Catalog, and Message
// Channel into the six long-running tasks described in §5, using the same
// errgroup plus signal-aware context pattern as this codebase's BFD
// daemon.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lanshare/lanshared/internal/catalog"
	"github.com/lanshare/lanshared/internal/config"
	"github.com/lanshare/lanshared/internal/discovery"
	"github.com/lanshare/lanshared/internal/logging"
	"github.com/lanshare/lanshared/internal/messaging"
	"github.com/lanshare/lanshared/internal/metrics"
	"github.com/lanshare/lanshared/internal/peerstate"
	"github.com/lanshare/lanshared/internal/rendezvous"
	"github.com/lanshare/lanshared/internal/transfer"
)

// Host is one running lanshared instance: every collaborator named in §4,
// started and stopped together.
type Host struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Collector

	Peers    *peerstate.Table
	Socket   *discovery.Socket
	Beacon   *discovery.Beaconer
	Demux    *discovery.Demultiplexer
	Catalog  *catalog.Catalog
	Messages *messaging.Channel
	Rendez   *rendezvous.Client

	clipboard transfer.ClipboardNotifier
}

// New binds the shared UDP socket, builds every collaborator and wires
// their callbacks, but starts no goroutines; call Run to do that.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, collector *metrics.Collector) (*Host, error) {
	socket, err := discovery.NewSocket(ctx, cfg.Network.Port)
	if err != nil {
		return nil, fmt.Errorf("daemon: open socket: %w", err)
	}

	h := &Host{
		cfg:       cfg,
		logger:    logger,
		metrics:   collector,
		clipboard: transfer.NoopClipboardNotifier{},
		Socket:    socket,
	}

	h.Peers = peerstate.NewTable(cfg.Network.PeerTimeout, h.onPeerDeparture)
	h.Beacon = discovery.NewBeaconer(socket, cfg.Identity.Username, cfg.Network.BroadcastInterval, logging.Component(logger, "discovery"))

	requester := &transfer.LoggingRequester{Logger: logging.Component(logger, "transfer")}
	h.Catalog = catalog.NewCatalog(cfg.Identity.Username, cfg.Catalog.WorkspaceDir, cfg.Network.Port, socket, h.Peers, requester, logging.Component(logger, "catalog"))
	h.Catalog.OnAnnouncementSent(func(action string) {
		if h.metrics != nil {
			h.metrics.IncAnnouncementsSent(action)
		}
	})

	if err := h.Catalog.Load(); err != nil {
		socket.Close()
		return nil, fmt.Errorf("daemon: load catalog: %w", err)
	}

	h.Messages = messaging.NewChannel(cfg.Identity.Username, socket, logging.Component(logger, "messaging"))

	h.Demux = discovery.NewDemultiplexer(socket, h.Peers, h.Catalog, h.Messages, h.Catalog, cfg.Identity.Username, logging.Component(logger, "discovery"))
	if h.metrics != nil {
		h.Demux.OnPacket(h.metrics.IncPacketsReceived)
		h.Demux.OnDrop(h.metrics.IncPacketsDropped)
	}

	if cfg.Rendezvous.URL != "" {
		rcfg := rendezvous.Config{
			HeartbeatInterval: cfg.Rendezvous.HeartbeatInterval,
			RefreshInterval:   cfg.Rendezvous.RefreshInterval,
			HTTPTimeout:       cfg.Rendezvous.HTTPTimeout,
			DegradedAfter:     cfg.Rendezvous.DegradedAfter,
		}
		var metricsFace rendezvous.Metrics
		if h.metrics != nil {
			metricsFace = h.metrics
		}
		h.Rendez = rendezvous.NewClient(cfg.Identity.Username, outboundAddress(), cfg.Network.Port, rcfg, h.Peers, h.Catalog, h.Catalog, metricsFace, logging.Component(logger, "rendezvous"))
	}

	return h, nil
}

// outboundAddress returns this host's LAN-facing IP by dialing a UDP
// socket and inspecting the kernel-assigned local address; no packets are
// actually sent since UDP dial does not perform a handshake. Standard
// library only: no example in the pack does interface-address discovery,
// and this is a few-line kernel query, not a library concern.
func outboundAddress() string {
	conn, err := net.Dial("udp4", "192.0.2.1:1")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// onPeerDeparture is the Peer Table's departure hook: a username leaving
// the table, by either axis, purges the resources it shared with us
// (§4.F.4).
func (h *Host) onPeerDeparture(username string) {
	h.Catalog.PurgeOwner(username)
}

// Run starts every long-running task and blocks until ctx is cancelled or
// a task returns an error, then performs the shutdown sequence of §5:
// disconnection broadcast, unregister, cancel tasks, close socket. The
// catalog file is not rewritten at shutdown; every catalog mutation has
// already persisted it.
func (h *Host) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.Beacon.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		h.Demux.Run(gCtx)
		return nil
	})

	g.Go(func() error {
		h.runPeerMetrics(gCtx)
		return nil
	})

	g.Go(func() error {
		h.runCatalogSync(gCtx)
		return nil
	})

	if h.Rendez != nil {
		g.Go(func() error {
			if err := h.Rendez.Register(gCtx, h.cfg.Rendezvous.URL); err != nil {
				h.logger.Warn("rendezvous registration failed", slog.Any("error", err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return h.shutdown()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon: run: %w", err)
	}
	return nil
}

// shutdown performs the ordered teardown of §5: disconnection broadcast,
// unregister if connected, then socket close.
func (h *Host) shutdown() error {
	h.logger.Info("shutting down")

	h.Beacon.SendDisconnection()

	if h.Rendez != nil && h.Rendez.State() == rendezvous.StateConnected {
		unregCtx, cancel := context.WithTimeout(context.Background(), h.cfg.Rendezvous.HTTPTimeout)
		h.Rendez.Unregister(unregCtx)
		cancel()
	}

	if err := h.Socket.Close(); err != nil {
		h.logger.Warn("failed to close socket", slog.Any("error", err))
	}

	return nil
}

// runPeerMetrics periodically republishes the peer table size, since
// Snapshot performs the lazy liveness sweep that actually expires rows, and
// pushes the same snapshot to the clipboard collaborator boundary (§6).
func (h *Host) runPeerMetrics(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := h.Peers.Snapshot(time.Now())
			if h.metrics != nil {
				h.metrics.SetPeersKnown(len(snapshot))
				h.metrics.SetResourceCounts(h.Catalog.OwnedCount(), h.Catalog.ReceivedCount())
			}

			peers := make([]transfer.PeerSnapshot, 0, len(snapshot))
			for username, p := range snapshot {
				peers = append(peers, transfer.PeerSnapshot{Username: username, Address: p.Address, Port: p.Port})
			}
			h.clipboard.NotifyPeers(peers)
		}
	}
}

// runCatalogSync periodically re-scans owned resources for modifications
// on disk and re-announces changed ones (§4.E.5).
func (h *Host) runCatalogSync(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Catalog.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Catalog.SyncOwned()
		}
	}
}
