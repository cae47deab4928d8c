package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Loader loads configuration from a JSON file layer and applies environment
// overrides, mirroring the teacher's layered-defaults-then-override shape.
type Loader struct {
	path       string
	validation bool
	envPrefix  string
}

// NewLoader creates a configuration loader with validation enabled.
func NewLoader() *Loader {
	return &Loader{validation: true, envPrefix: "VSOMEIP"}
}

// EnableValidation toggles Validate() after Load.
func (l *Loader) EnableValidation(enable bool) { l.validation = enable }

// LoadFile loads configuration from path, applies environment overrides,
// and validates unless EnableValidation(false) was called.
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.path = path
	return l.Load()
}

// Load builds the configuration starting from Default(), merging in the
// configured file if any, then applying environment overrides.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := safeReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		cfg = mergeFromMap(cfg, raw)
	}

	l.applyEnvOverrides(cfg)

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// mergeFromMap deep-merges override on top of base via a JSON round-trip,
// so only fields present in override replace base's defaults.
func mergeFromMap(base *Config, override map[string]any) *Config {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return base
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return base
	}

	merged := deepMergeMaps(baseMap, override)
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	var out Config
	if err := json.Unmarshal(mergedJSON, &out); err != nil {
		return base
	}
	return &out
}

func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies a small, explicit set of environment overrides;
// anything more exotic belongs in the config file, not the environment.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_PLATFORM_ID"); val != "" {
		cfg.Platform.ID = val
	}
	if val := os.Getenv(l.envPrefix + "_HOSTNAME"); val != "" {
		cfg.Proxy.Hostname = val
	}
	if val := os.Getenv(l.envPrefix + "_ROUTING_HOST"); val != "" {
		cfg.Proxy.RoutingHost.Host = val
		cfg.Proxy.RoutingHost.Local = false
	}
	if val := os.Getenv(l.envPrefix + "_ROUTING_PORT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 && n <= 65535 {
			cfg.Proxy.RoutingHost.Port = uint16(n)
		}
	}
	if val := os.Getenv(l.envPrefix + "_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv(l.envPrefix + "_KEEPALIVE_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Proxy.Keepalive.Interval = d
		}
	}
}
