// Package config provides the JSON-backed configuration for the routing
// proxy: platform identity, routing-host address, debounce/keepalive/
// shutdown timing, and security gating flags, plus a thread-safe
// SafeConfig wrapper and a layered Loader (file + environment overrides).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Config is the complete proxy configuration.
type Config struct {
	Version  string         `json:"version"` // semver, informational only
	Platform PlatformConfig `json:"platform"`
	Proxy    ProxyConfig    `json:"proxy"`
	NATS     NATSConfig     `json:"nats"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

// PlatformConfig identifies the node this proxy runs on.
type PlatformConfig struct {
	Org         string `json:"org"`                    // namespace used for NATS subjects
	ID          string `json:"id"`                      // node identifier
	InstanceID  string `json:"instance_id,omitempty"`
	Environment string `json:"environment,omitempty"` // "prod", "dev", "test"
}

// RoutingHostConfig names where the routing host listens, per spec §4.2/§6.
type RoutingHostConfig struct {
	// Local selects filesystem-rendezvous transport; false selects TCP.
	Local bool `json:"local"`
	// BasePath is the rendezvous directory, required when Local.
	BasePath string `json:"base_path,omitempty"`
	// Host/Port address the routing host's command port when !Local.
	Host string `json:"host,omitempty"`
	Port uint16 `json:"port,omitempty"`
}

// KeepaliveConfig controls the C8 keepalive timer.
type KeepaliveConfig struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval,omitempty"`
}

// SecurityConfig controls the C5 security gate (§4.5, §7).
type SecurityConfig struct {
	Enabled      bool `json:"enabled"`
	Local        bool `json:"local"`         // host and proxy share a node
	RemoteAccess bool `json:"remote_access"` // allow non-local credential checks
}

// ProxyConfig covers every item spec.md §6 lists under "Consumed
// interfaces: configuration".
type ProxyConfig struct {
	Hostname        string            `json:"hostname"`
	RoutingHost     RoutingHostConfig `json:"routing_host"`
	RequestDebounce time.Duration     `json:"request_debounce,omitempty"`
	Keepalive       KeepaliveConfig   `json:"keepalive"`
	ShutdownTimeout time.Duration     `json:"shutdown_timeout,omitempty"`
	Security        SecurityConfig    `json:"security"`
}

// NATSConfig defines the connection used by the observability publisher.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
}

// MetricsConfig controls the prometheus/gateway debug surface.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// SafeConfig provides thread-safe, copy-on-read access to configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a thread-safe config wrapper.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone creates a deep copy of the configuration via JSON round-trip.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Platform.Org == "" {
		return errors.New("platform.org is required")
	}
	c.Platform.Org = strings.ToLower(c.Platform.Org)
	if !isValidNATSSubjectPart(c.Platform.Org) {
		return fmt.Errorf("platform.org %q is not valid for NATS subjects", c.Platform.Org)
	}
	if c.Platform.ID == "" {
		return errors.New("platform.id is required")
	}
	if c.Proxy.Hostname == "" {
		return errors.New("proxy.hostname is required")
	}
	if c.Proxy.RoutingHost.Local {
		if c.Proxy.RoutingHost.BasePath == "" {
			return errors.New("proxy.routing_host.base_path is required in local mode")
		}
	} else {
		if c.Proxy.RoutingHost.Host == "" || c.Proxy.RoutingHost.Port == 0 {
			return errors.New("proxy.routing_host.host and .port are required in non-local mode")
		}
	}
	if c.Proxy.ShutdownTimeout <= 0 {
		c.Proxy.ShutdownTimeout = 5 * time.Second
	}
	if c.Proxy.Keepalive.Enabled && c.Proxy.Keepalive.Interval <= 0 {
		return errors.New("proxy.keepalive.interval must be positive when keepalive is enabled")
	}
	if c.Proxy.Security.RemoteAccess && !c.Proxy.Security.Enabled {
		return errors.New("proxy.security.remote_access requires proxy.security.enabled")
	}
	return nil
}

func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// GetOrg returns the organization namespace used for NATS subjects.
func (c *Config) GetOrg() string { return c.Platform.Org }

// GetPlatform returns the platform identifier (prefers InstanceID).
func (c *Config) GetPlatform() string {
	if c.Platform.InstanceID != "" {
		return c.Platform.InstanceID
	}
	return c.Platform.ID
}

// String returns a JSON representation of the config, for logging.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Default returns a configuration usable for local development: local
// rendezvous transport, keepalive enabled, no remote security access.
func Default() *Config {
	return &Config{
		Version:  "0.1.0",
		Platform: PlatformConfig{Org: "vsomeip", ID: "node1"},
		Proxy: ProxyConfig{
			Hostname:        "node1",
			RoutingHost:     RoutingHostConfig{Local: true, BasePath: "/tmp/vsomeip"},
			RequestDebounce: 10 * time.Millisecond,
			Keepalive:       KeepaliveConfig{Enabled: true, Interval: 3 * time.Second},
			ShutdownTimeout: 5 * time.Second,
			Security:        SecurityConfig{Enabled: false},
		},
		NATS: NATSConfig{URLs: []string{"nats://localhost:4222"}, MaxReconnects: -1, ReconnectWait: 2 * time.Second},
	}
}
