package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-Relay/config"
	"github.com/VanDung-dev/HieraChain-Relay/monitoring"
	"github.com/VanDung-dev/HieraChain-Relay/network"
)

// Version information
const (
	Version = "0.1.0"
	Name    = "hierarelay"
)

var (
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Serve /metrics, /health and /peers on this address (overrides RELAY_METRICS_ADDR)",
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "Log level: debug, info, warn or error (overrides RELAY_LOG_LEVEL)",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:      Name,
		Version:   Version,
		Usage:     "relay length-prefixed messages from local clients to every cluster peer",
		ArgsUsage: "[config-path]",
		Flags:     []cli.Flag{metricsAddrFlag, logLevelFlag},
		Action:    runRelay,
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRelay(c *cli.Context) error {
	tunables, err := config.LoadTunables(c.Context)
	if err != nil {
		return err
	}
	if c.IsSet(metricsAddrFlag.Name) {
		tunables.MetricsAddr = c.String(metricsAddrFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		tunables.LogLevel = c.String(logLevelFlag.Name)
	}

	logger, err := newLogger(c.App.ErrWriter, tunables.LogLevel)
	if err != nil {
		return err
	}

	path := config.DefaultPath
	if c.NArg() > 0 {
		path = c.Args().First()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded",
		slog.String("file", path),
		slog.Int("self", cfg.SelfID),
		slog.String("address", cfg.SelfAddr()),
		slog.Int("peers", len(cfg.RemotePeers())))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, tunables, logger)
}

// serve runs the relay, and the metrics endpoint when enabled, until ctx is
// done or one of them fails.
func serve(ctx context.Context, cfg *config.Config, tunables config.Tunables, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	relay := network.NewRelay(cfg, relayOptions(tunables, logger, monitoring.NewMetrics("hierarelay", reg)))

	var metricsServer *monitoring.MetricsServer
	if tunables.MetricsAddr != "" {
		metricsServer = monitoring.NewMetricsServer(tunables.MetricsAddr, reg, func() interface{} {
			return relay.GetStatus()
		})
		if err := metricsServer.Listen(); err != nil {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		logger.Info("metrics endpoint listening", slog.String("address", metricsServer.Addr()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	if metricsServer != nil {
		g.Go(func() error {
			return metricsServer.Serve(gctx)
		})
	}

	err := g.Wait()
	logger.Info("shutdown complete")
	return err
}

func relayOptions(t config.Tunables, logger *slog.Logger, metrics *monitoring.Metrics) network.Options {
	opts := network.DefaultOptions()
	opts.QueueSize = t.QueueSize
	opts.SubmitTimeout = t.SubmitTimeout
	opts.Backoff = network.BackoffPolicy{
		Base:   t.BackoffBase,
		Max:    t.BackoffMax,
		Jitter: t.BackoffJitter,
	}
	opts.Logger = logger
	opts.Metrics = metrics
	return opts
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	if w == nil {
		w = os.Stderr
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
