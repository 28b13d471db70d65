// Command agent runs the pingrelay probe agent.
//
// # Usage
//
//	agent --controller http://10.0.2.2:5000 --location "Lab bench 3"
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (PINGRELAY_*)
// - Config file (--config)
//
// # Examples
//
// Run attached to a controller, exposing metrics:
//
//	agent --controller https://relay.example.net \
//	      --device-id bench-3 \
//	      --metrics-addr 127.0.0.1:9100
//
// Run a single local campaign and print the summary as JSON:
//
//	agent --probe-host 8.8.8.8 --probe-protocol ICMP --probe-duration 10s
//
// Run with environment variables:
//
//	PINGRELAY_CONTROLLER_URL=http://10.0.2.2:5000 \
//	PINGRELAY_DEVICE_LOCATION="37.7749,-122.4194" \
//	agent
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/pingrelay/agent"
	"github.com/pilot-net/pingrelay/agent/internal/campaign"
	"github.com/pilot-net/pingrelay/agent/internal/config"
	"github.com/pilot-net/pingrelay/agent/internal/executor"
	"github.com/pilot-net/pingrelay/agent/internal/metrics"
	"github.com/pilot-net/pingrelay/pkg/types"
)

func main() {
	// Parse flags
	var (
		configFile  = flag.String("config", "", "Path to config file")
		controller  = flag.String("controller", "", "Controller URL")
		deviceID    = flag.String("device-id", "", "Device ID (default: host ID)")
		location    = flag.String("location", "", "Device location reported to the controller")
		metricsAddr = flag.String("metrics-addr", "", "Prometheus listen address (empty disables)")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		version     = flag.Bool("version", false, "Print version and exit")

		probeHost     = flag.String("probe-host", "", "Run one local campaign against this host and exit")
		probeProtocol = flag.String("probe-protocol", "ICMP", "Protocol for --probe-host (ICMP, TCP, UDP)")
		probeDuration = flag.Duration("probe-duration", 10*time.Second, "Duration for --probe-host")
		probeInterval = flag.Duration("probe-interval", 0, "Interval for --probe-host (default: probing.interval)")
	)
	flag.Parse()

	// Print version
	if *version {
		fmt.Printf("pingrelay-agent %s\n", agent.Version)
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration
	cfg := config.DefaultConfig()
	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	// Apply environment overrides
	if err := cfg.ApplyEnvOverrides(); err != nil {
		logger.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	// Apply flag overrides
	if *controller != "" {
		cfg.Controller.URL = *controller
	}
	if *deviceID != "" {
		cfg.Device.ID = *deviceID
	}
	if *location != "" {
		cfg.Device.Location = *location
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}

	// Set up signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *probeHost != "" {
		if err := probeOnce(ctx, cfg, logger, *probeHost, *probeProtocol, *probeInterval, *probeDuration); err != nil {
			logger.Error("probe failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	m := metrics.New()
	a, err := agent.New(cfg, logger, agent.WithMetrics(m))
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	logger.Info("starting pingrelay agent",
		"device_id", a.Device().ID,
		"controller", cfg.Controller.URL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(gctx)
	})
	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(m),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	return mux
}

// probeOnce runs a single campaign without a controller and prints the summary.
func probeOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, host, proto string, interval, duration time.Duration) error {
	p, err := types.ParseProtocol(proto)
	if err != nil {
		return err
	}

	registry, err := executor.NewDefaultRegistry(cfg.Probing.PingPath)
	if err != nil {
		logger.Warn("executor registration incomplete", "error", err)
	}

	runner := campaign.NewRunner(registry, func(context.Context) string {
		if cfg.Device.Location == "" {
			return types.LocationUnavailable
		}
		return cfg.Device.Location
	}, nil, logger)

	summary, err := runner.Run(ctx, campaign.Request{
		Host:     host,
		Protocol: p,
		Interval: interval,
		Duration: duration,
		Settings: cfg.Probing.Settings(),
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
