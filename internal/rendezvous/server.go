package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registryEntry is the server's in-memory record for one registered host
// (§4.H).
type registryEntry struct {
	Address  string
	Port     int
	LastSeen time.Time
}

// ServerConfig bundles the Rendezvous Server's tunables (§4.H.2).
type ServerConfig struct {
	Addr       string
	StaleAfter time.Duration
}

// Server is the standalone Rendezvous Server of §4.H: a stateless HTTP
// process holding an in-memory registry of (username -> address, port,
// last_seen), reachable across subnets where broadcast does not travel.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	reg    *prometheus.Registry

	mu      sync.Mutex
	entries map[string]registryEntry

	httpSrv *http.Server
}

// NewServer builds a Rendezvous Server bound to cfg.Addr.
func NewServer(cfg ServerConfig, reg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		reg:     reg,
		entries: make(map[string]registryEntry),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /unregister", s.handleUnregister)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /peers", s.handlePeers)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if reg != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe binds a TCP listener and serves until the context used by
// the caller's shutdown goroutine closes the server (mirrors the teacher
// pack's listenAndServe/Shutdown split so the server obeys the same
// errgroup-driven lifecycle as the rest of the daemon).
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("rendezvous: listen on %s: %w", s.cfg.Addr, err)
	}
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rendezvous: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// writeStatus writes the documented {"status":"..."} response body (§4.H, §6).
func writeStatus(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

type registerRequest struct {
	Username string `json:"username"`
	Address  string `json:"address"`
	Port     int    `json:"port"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "invalid register request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.entries[req.Username] = registryEntry{
		Address:  req.Address,
		Port:     req.Port,
		LastSeen: time.Now(),
	}
	s.mu.Unlock()

	s.logger.Info("peer registered", slog.String("username", req.Username), slog.String("address", req.Address))
	writeStatus(w, "registered")
}

type usernameRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "invalid unregister request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	delete(s.entries, req.Username)
	s.mu.Unlock()

	s.logger.Info("peer unregistered", slog.String("username", req.Username))
	writeStatus(w, "unregistered")
}

// handleHeartbeat treats a heartbeat for a username the registry has no
// entry for as an implicit (re-)registration rather than a 404: the
// registry's own 30s stale-eviction sweep (handlePeers) can drop a peer
// between two heartbeats it sent on time, and without this a peer that
// only ever heartbeats (never calls /register again) would be unable to
// recover from that eviction.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
		http.Error(w, "invalid heartbeat request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	entry, ok := s.entries[req.Username]
	entry.LastSeen = time.Now()
	s.entries[req.Username] = entry
	s.mu.Unlock()

	if !ok {
		s.logger.Info("heartbeat for unknown peer, re-registering", slog.String("username", req.Username))
	}
	writeStatus(w, "success")
}

// handlePeers evicts entries older than StaleAfter before serializing, so
// a crashed or unreachable host without a clean unregister still drops out
// of the registry within one eviction sweep (§4.H.2).
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	s.mu.Lock()
	for username, entry := range s.entries {
		if now.Sub(entry.LastSeen) > s.cfg.StaleAfter {
			delete(s.entries, username)
		}
	}
	out := make([]registeredPeer, 0, len(s.entries))
	for username, entry := range s.entries {
		out = append(out, registeredPeer{
			Username: username,
			Address:  entry.Address,
			Port:     entry.Port,
			LastSeen: entry.LastSeen,
		})
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.logger.Warn("failed to encode peers response", slog.Any("error", err))
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
