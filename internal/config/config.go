// Package config loads lanshared's configuration in layers: compiled-in
// defaults, an optional YAML file, then environment variable overrides —
// the same layering the BFD daemon in this codebase's lineage uses via
// koanf.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment variable prefix for config overrides, e.g.
// LANSHARE_NETWORK_PORT=23456.
const EnvPrefix = "LANSHARE_"

var (
	ErrEmptyUsername  = errors.New("config: username must not be empty")
	ErrInvalidPort    = errors.New("config: port must be between 1 and 65535")
	ErrInvalidLogLvl  = errors.New("config: log level must be one of debug, info, warn, error")
	ErrInvalidLogFmt  = errors.New("config: log format must be text or json")
	ErrNonPositiveDur = errors.New("config: duration fields must be positive")
)

// IdentityConfig names this host on the network.
type IdentityConfig struct {
	Username string `koanf:"username"`
}

// NetworkConfig configures the shared UDP endpoint and its timing.
type NetworkConfig struct {
	Port              int           `koanf:"port"`
	BroadcastInterval time.Duration `koanf:"broadcast_interval"`
	PeerTimeout       time.Duration `koanf:"peer_timeout"`
}

// RendezvousConfig configures the optional cross-subnet registry client.
type RendezvousConfig struct {
	URL              string        `koanf:"url"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	RefreshInterval   time.Duration `koanf:"refresh_interval"`
	HTTPTimeout       time.Duration `koanf:"http_timeout"`
	DegradedAfter     int           `koanf:"degraded_after"`
}

// CatalogConfig configures the resource catalog's persistence and sync
// behavior.
type CatalogConfig struct {
	WorkspaceDir string        `koanf:"workspace_dir"`
	SyncInterval time.Duration `koanf:"sync_interval"`
}

// TransferConfig configures the ports handed to the out-of-scope bulk
// transfer and clipboard collaborators (§6, §9 open question: distinct
// ports rather than the source's overloaded port+1).
type TransferConfig struct {
	BulkTransferPortOffset int `koanf:"bulk_transfer_port_offset"`
	ClipboardPortOffset    int `koanf:"clipboard_port_offset"`
}

// MetricsConfig configures the Prometheus exposition listener.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig configures the slog root logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RendezvousServerConfig configures the standalone registry process.
type RendezvousServerConfig struct {
	Addr           string        `koanf:"addr"`
	StaleAfter     time.Duration `koanf:"stale_after"`
	MetricsPath    string        `koanf:"metrics_path"`
}

// Config is the daemon's fully resolved configuration.
type Config struct {
	Identity   IdentityConfig   `koanf:"identity"`
	Network    NetworkConfig    `koanf:"network"`
	Rendezvous RendezvousConfig `koanf:"rendezvous"`
	Catalog    CatalogConfig    `koanf:"catalog"`
	Transfer   TransferConfig   `koanf:"transfer"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
}

// DefaultConfig returns the compiled-in defaults for every interval and
// timeout named across §4 and §5 of the specification.
func DefaultConfig() *Config {
	return &Config{
		Network: NetworkConfig{
			Port:              12345,
			BroadcastInterval: 100 * time.Millisecond,
			PeerTimeout:       2 * time.Second,
		},
		Rendezvous: RendezvousConfig{
			HeartbeatInterval: 10 * time.Second,
			RefreshInterval:   500 * time.Millisecond,
			HTTPTimeout:       5 * time.Second,
			DegradedAfter:     5,
		},
		Catalog: CatalogConfig{
			WorkspaceDir: "./shared",
			SyncInterval: 5 * time.Second,
		},
		Transfer: TransferConfig{
			BulkTransferPortOffset: 1,
			ClipboardPortOffset:    2,
		},
		Metrics: MetricsConfig{
			Addr: ":9477",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultServerConfig returns the compiled-in defaults for the standalone
// rendezvous server (§4.H).
func DefaultServerConfig() *RendezvousServerConfig {
	return &RendezvousServerConfig{
		Addr:        ":8420",
		StaleAfter:  30 * time.Second,
		MetricsPath: "/metrics",
	}
}

// Load builds a Config from compiled-in defaults, an optional YAML file at
// path (skipped entirely if empty), then LANSHARE_-prefixed environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDefaults seeds koanf's base layer with the compiled-in defaults, the
// same per-key k.Set approach used to seed the BFD daemon's configuration.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"identity.username":             d.Identity.Username,
		"network.port":                  d.Network.Port,
		"network.broadcast_interval":    d.Network.BroadcastInterval.String(),
		"network.peer_timeout":          d.Network.PeerTimeout.String(),
		"rendezvous.url":                d.Rendezvous.URL,
		"rendezvous.heartbeat_interval": d.Rendezvous.HeartbeatInterval.String(),
		"rendezvous.refresh_interval":   d.Rendezvous.RefreshInterval.String(),
		"rendezvous.http_timeout":       d.Rendezvous.HTTPTimeout.String(),
		"rendezvous.degraded_after":     d.Rendezvous.DegradedAfter,
		"catalog.workspace_dir":         d.Catalog.WorkspaceDir,
		"catalog.sync_interval":         d.Catalog.SyncInterval.String(),
		"transfer.bulk_transfer_port_offset": d.Transfer.BulkTransferPortOffset,
		"transfer.clipboard_port_offset":     d.Transfer.ClipboardPortOffset,
		"metrics.addr": d.Metrics.Addr,
		"metrics.path": d.Metrics.Path,
		"log.level":    d.Log.Level,
		"log.format":   d.Log.Format,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// envKeyMapper turns LANSHARE_NETWORK_PORT into network.port and
// LANSHARE_NETWORK_BROADCAST_INTERVAL into network.broadcast_interval, so
// koanf can merge it against the nested struct tags above. Only the
// separator between the top-level section and its leaf field is rewritten
// to a dot; every section here is a single word, so splitting on the
// first underscore is enough to leave compound leaf key names
// (broadcast_interval, workspace_dir, ...) intact.
func envKeyMapper(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, leaf, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	return section + "." + leaf
}

// Validate checks every precondition the daemon relies on before starting
// its network tasks.
func (c *Config) Validate() error {
	if c.Identity.Username == "" {
		return ErrEmptyUsername
	}
	if c.Network.Port <= 0 || c.Network.Port > 65535 {
		return ErrInvalidPort
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLvl
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return ErrInvalidLogFmt
	}
	for _, d := range []time.Duration{
		c.Network.BroadcastInterval, c.Network.PeerTimeout,
		c.Rendezvous.HeartbeatInterval, c.Rendezvous.RefreshInterval,
		c.Catalog.SyncInterval,
	} {
		if d <= 0 {
			return ErrNonPositiveDur
		}
	}
	return nil
}

// BulkTransferPort returns the port bound by the out-of-scope bulk
// transfer collaborator for this daemon's configured port.
func (c *Config) BulkTransferPort() int {
	return c.Network.Port + c.Transfer.BulkTransferPortOffset
}

// ClipboardPort returns the port used by the out-of-scope clipboard
// collaborator for this daemon's configured port.
func (c *Config) ClipboardPort() int {
	return c.Network.Port + c.Transfer.ClipboardPortOffset
}
