package main

import (
	"flag"
	"os"
	"strconv"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	AppName     string
	LogLevel    string
	LogFormat   string
	MetricsPort int
	GatewayAddr string
	ShowVersion bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("VSOMEIP_CONFIG", ""),
		"Path to configuration file (env: VSOMEIP_CONFIG)")

	flag.StringVar(&cfg.AppName, "app",
		getEnv("VSOMEIP_APP", "vsomeip-app"),
		"Application name announced to the routing host (env: VSOMEIP_APP)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("VSOMEIP_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: VSOMEIP_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("VSOMEIP_LOG_FORMAT", "json"),
		"Log format: json, text (env: VSOMEIP_LOG_FORMAT)")

	flag.IntVar(&cfg.MetricsPort, "metrics-port",
		getEnvInt("VSOMEIP_METRICS_PORT", 9464),
		"Prometheus metrics port, 0 to disable (env: VSOMEIP_METRICS_PORT)")

	flag.StringVar(&cfg.GatewayAddr, "gateway-addr",
		getEnv("VSOMEIP_GATEWAY_ADDR", ""),
		"Debug gateway listen address, empty to disable (env: VSOMEIP_GATEWAY_ADDR)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
