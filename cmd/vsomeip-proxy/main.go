// Package main implements the vsomeip-proxy entry point: one routing
// proxy joining the node's routing fabric on behalf of an application,
// with optional NATS telemetry, prometheus metrics, and the debug
// gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/duartenfonseca/vsomeip/config"
	"github.com/duartenfonseca/vsomeip/gateway"
	"github.com/duartenfonseca/vsomeip/health"
	"github.com/duartenfonseca/vsomeip/metrics"
	"github.com/duartenfonseca/vsomeip/natsclient"
	"github.com/duartenfonseca/vsomeip/observability"
	"github.com/duartenfonseca/vsomeip/proxy"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "vsomeip-proxy"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	loader := config.NewLoader()
	var cfg *config.Config
	var err error
	if cliCfg.ConfigPath != "" {
		cfg, err = loader.LoadFile(cliCfg.ConfigPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}
	safeCfg := config.NewSafeConfig(cfg)

	logger.Info("Starting routing proxy",
		"version", Version, "app", cliCfg.AppName, "node", cfg.Platform.ID,
		"local", cfg.Proxy.RoutingHost.Local)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// NATS telemetry is optional; a missing broker degrades to local logs.
	var natsConn observability.NATSPublisher
	if len(cfg.NATS.URLs) > 0 {
		natsOpts := []natsclient.ClientOption{
			natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
			natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
			natsclient.WithClientName(cliCfg.AppName),
		}
		if cfg.NATS.Username != "" {
			natsOpts = append(natsOpts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
		}
		if cfg.NATS.Token != "" {
			natsOpts = append(natsOpts, natsclient.WithToken(cfg.NATS.Token))
		}
		client, nerr := natsclient.NewClient(cfg.NATS.URLs[0], natsOpts...)
		if nerr != nil {
			logger.Warn("NATS client unavailable, telemetry disabled", "error", nerr)
		} else if cerr := client.Connect(ctx); cerr != nil {
			logger.Warn("NATS connect failed, telemetry disabled", "error", cerr)
		} else {
			natsConn = client
			defer func() { _ = client.Close(context.Background()) }()
		}
	}

	monitor := health.NewMonitor()
	registry := metrics.NewMetricsRegistry()

	host := newLoggingHost(cliCfg.AppName, logger)
	p := proxy.New(safeCfg, host, proxy.Options{
		NATS:    natsConn,
		Metrics: registry.CoreMetrics(),
		Monitor: monitor,
		Logger:  logger,
	})

	if cfg.Metrics.Enabled && cliCfg.MetricsPort > 0 {
		metricsServer := metrics.NewServer(cliCfg.MetricsPort, "/metrics", registry)
		if merr := metricsServer.Start(); merr != nil {
			return fmt.Errorf("metrics server: %w", merr)
		}
		defer func() { _ = metricsServer.Stop() }()
	}

	if cliCfg.GatewayAddr != "" {
		gw := gateway.NewServer(cliCfg.GatewayAddr, p, monitor, logger)
		if gerr := gw.Start(); gerr != nil {
			return fmt.Errorf("gateway: %w", gerr)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = gw.Stop(shutdownCtx)
		}()
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("proxy start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	p.Stop()
	return nil
}
