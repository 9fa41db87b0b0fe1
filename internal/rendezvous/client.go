// Package rendezvous implements the Rendezvous Client (§4.C) and the
// standalone Rendezvous Server (§4.H): HTTP-based cross-subnet discovery,
// layered on top of the same Peer Table the broadcast axis feeds.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lanshare/lanshared/internal/peerstate"
)

// State is the Rendezvous Client's connection state machine (§4.C):
// disconnected -> registering -> connected -> disconnecting -> disconnected.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateRegistering   State = "registering"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
)

// CatalogPurger is notified whenever a username drops out of the registry
// axis, so the Resource Catalog can purge its received resources — §4.C
// step 4 requires this unconditionally, regardless of the peer's broadcast
// axis. Satisfied by *catalog.Catalog's PurgeOwner method.
type CatalogPurger interface {
	PurgeOwner(username string)
}

// NewcomerHandler is notified the first time a username is observed via
// the registry axis, so the Resource Catalog can push a full announcement
// to it (§4.F.3: "on first observation of peer P from either discovery
// axis"). Satisfied by *catalog.Catalog's PushToNewcomer method.
type NewcomerHandler interface {
	PushToNewcomer(username, address string, port int)
}

// Metrics is the narrow slice of instrumentation the client reports
// through, satisfied by *metrics.Collector.
type Metrics interface {
	ObserveRendezvousRequest(action, result string)
	SetRendezvousDegraded(degraded bool)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRendezvousRequest(string, string) {}
func (noopMetrics) SetRendezvousDegraded(bool)              {}

// registeredPeer is the shape returned by GET /peers (§6).
type registeredPeer struct {
	Username string    `json:"username"`
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}

// Client is the Rendezvous Client of §4.C: registers with an HTTP
// registry, heartbeats, and polls the peer list, feeding the Peer Table
// with registry attestations.
type Client struct {
	username  string
	localAddr string
	localPort int

	heartbeatInterval time.Duration
	refreshInterval   time.Duration
	httpTimeout       time.Duration
	degradedAfter     int

	httpClient *http.Client
	peers      *peerstate.Table
	catalog    CatalogPurger
	newcomer   NewcomerHandler
	metrics    Metrics
	logger     *slog.Logger

	mu              sync.Mutex
	state           State
	baseURL         string
	knownRegistry   map[string]bool
	refreshFailures int
	degraded        bool
}

// Config bundles the Rendezvous Client's tunables (§5 timeouts, §4.C
// intervals).
type Config struct {
	HeartbeatInterval time.Duration
	RefreshInterval   time.Duration
	HTTPTimeout       time.Duration
	DegradedAfter     int
}

// NewClient builds a disconnected Client for username, advertising
// (localAddr, localPort) to the registry.
func NewClient(username, localAddr string, localPort int, cfg Config, peers *peerstate.Table, catalog CatalogPurger, newcomer NewcomerHandler, metrics Metrics, logger *slog.Logger) *Client {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Client{
		username:          username,
		localAddr:         localAddr,
		localPort:         localPort,
		heartbeatInterval: cfg.HeartbeatInterval,
		refreshInterval:   cfg.RefreshInterval,
		httpTimeout:       cfg.HTTPTimeout,
		degradedAfter:     cfg.DegradedAfter,
		httpClient:        &http.Client{Timeout: cfg.HTTPTimeout},
		peers:             peers,
		catalog:           catalog,
		newcomer:          newcomer,
		metrics:           metrics,
		logger:            logger,
		state:             StateDisconnected,
		knownRegistry:     make(map[string]bool),
	}
}

// normalizeURL prepends http:// if the given URL has no scheme (§6:
// "the client prepends http:// if missing").
func normalizeURL(url string) string {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	return "http://" + url
}

// State reports the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Degraded reports the sticky "possibly lost" flag set after
// DegradedAfter consecutive refresh failures (§7, §9 supplemented
// feature).
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Register posts to /register and, on success, transitions to connected
// and starts the heartbeat and peer-refresh loops, running until ctx is
// cancelled. It blocks for the lifetime of the registration; callers run
// it in its own goroutine (the daemon's errgroup task for this axis).
func (c *Client) Register(ctx context.Context, url string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("rendezvous: register called in state %s", c.state)
	}
	c.state = StateRegistering
	c.baseURL = normalizeURL(url)
	c.mu.Unlock()

	body := map[string]any{
		"username": c.username,
		"address":  c.localAddr,
		"port":     c.localPort,
	}
	if err := c.post(ctx, "/register", body, "register"); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("rendezvous: register: %w", err)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.runHeartbeat(ctx)
	}()
	go func() {
		defer wg.Done()
		c.runRefresh(ctx)
	}()
	wg.Wait()

	return nil
}

// Unregister stops the loops (via ctx cancellation in the caller) and
// posts to /unregister, entering disconnected even on transport failure —
// best effort per §4.C.
func (c *Client) Unregister(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnecting
	c.mu.Unlock()

	body := map[string]any{"username": c.username}
	if err := c.post(ctx, "/unregister", body, "unregister"); err != nil {
		c.logger.Warn("unregister request failed, proceeding best-effort", slog.Any("error", err))
	}

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// runHeartbeat posts /heartbeat every heartbeatInterval until ctx is
// cancelled. Failures are counted but never cancel membership (§4.C).
func (c *Client) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			body := map[string]any{"username": c.username}
			if err := c.post(ctx, "/heartbeat", body, "heartbeat"); err != nil {
				c.logger.Warn("heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

// runRefresh polls /peers every refreshInterval, diffs against the
// previous poll, and updates the Peer Table and Resource Catalog
// accordingly (§4.C peer-refresh loop).
func (c *Client) runRefresh(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshOnce(ctx)
		}
	}
}

func (c *Client) refreshOnce(ctx context.Context) {
	peers, err := c.getPeers(ctx)
	if err != nil {
		c.logger.Warn("peer refresh failed", slog.Any("error", err))
		c.recordRefreshFailure()
		return
	}
	c.recordRefreshSuccess()

	now := time.Now()
	seen := make(map[string]bool, len(peers))

	c.mu.Lock()
	newcomers := make([]registeredPeer, 0)
	for _, p := range peers {
		if p.Username == c.username {
			continue
		}
		seen[p.Username] = true
		if !c.knownRegistry[p.Username] {
			newcomers = append(newcomers, p)
		}
	}
	gone := make([]string, 0)
	for u := range c.knownRegistry {
		if !seen[u] {
			gone = append(gone, u)
		}
	}
	c.knownRegistry = seen
	c.mu.Unlock()

	for _, p := range peers {
		if p.Username == c.username {
			continue
		}
		c.peers.UpsertRegistry(p.Username, p.Address, p.Port, now)
	}

	// §4.F.3: first observation of a peer via either discovery axis
	// triggers a newcomer push, targeted at the port the registry record
	// carries (a registry-attested peer is not necessarily reachable on
	// its broadcast-advertised port).
	if c.newcomer != nil {
		for _, p := range newcomers {
			c.newcomer.PushToNewcomer(p.Username, p.Address, p.Port)
		}
	}

	for _, u := range gone {
		c.peers.MarkRegistryGone(u)
		// Step 4: always notify the catalog, regardless of the broadcast
		// axis — loss of registry visibility is treated as unreliable
		// contact (the firm rule adopted from the Open Question in §9).
		if c.catalog != nil {
			c.catalog.PurgeOwner(u)
		}
	}
}

func (c *Client) recordRefreshFailure() {
	c.mu.Lock()
	c.refreshFailures++
	if c.refreshFailures >= c.degradedAfter {
		c.degraded = true
	}
	degraded := c.degraded
	c.mu.Unlock()
	c.metrics.SetRendezvousDegraded(degraded)
}

func (c *Client) recordRefreshSuccess() {
	c.mu.Lock()
	c.refreshFailures = 0
	degraded := c.degraded
	c.mu.Unlock()
	c.metrics.SetRendezvousDegraded(degraded)
}

func (c *Client) getPeers(ctx context.Context) ([]registeredPeer, error) {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/peers", nil)
	if err != nil {
		c.metrics.ObserveRendezvousRequest("refresh", "error")
		return nil, fmt.Errorf("build /peers request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRendezvousRequest("refresh", "error")
		return nil, fmt.Errorf("GET /peers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.ObserveRendezvousRequest("refresh", "error")
		return nil, fmt.Errorf("GET /peers: unexpected status %d", resp.StatusCode)
	}

	var peers []registeredPeer
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		c.metrics.ObserveRendezvousRequest("refresh", "error")
		return nil, fmt.Errorf("decode /peers response: %w", err)
	}

	c.metrics.ObserveRendezvousRequest("refresh", "ok")
	return peers, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any, action string) error {
	c.mu.Lock()
	base := c.baseURL
	c.mu.Unlock()

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(data))
	if err != nil {
		c.metrics.ObserveRendezvousRequest(action, "error")
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveRendezvousRequest(action, "error")
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metrics.ObserveRendezvousRequest(action, "error")
		return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
	}

	c.metrics.ObserveRendezvousRequest(action, "ok")
	return nil
}
