// Package main runs refwatch: the tiered tournament read path, realtime
// status subscriptions and the HTTP gateway in one process.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ecologicaleaving/startapp-sub002/circuitbreaker"
	"github.com/ecologicaleaving/startapp-sub002/config"
	"github.com/ecologicaleaving/startapp-sub002/gateway"
	"github.com/ecologicaleaving/startapp-sub002/health"
	"github.com/ecologicaleaving/startapp-sub002/metric"
	"github.com/ecologicaleaving/startapp-sub002/natsclient"
	"github.com/ecologicaleaving/startapp-sub002/originapi"
	"github.com/ecologicaleaving/startapp-sub002/pkg/tlsutil"
	"github.com/ecologicaleaving/startapp-sub002/realtime"
	"github.com/ecologicaleaving/startapp-sub002/realtime/memtransport"
	"github.com/ecologicaleaving/startapp-sub002/realtime/natstransport"
	"github.com/ecologicaleaving/startapp-sub002/storage"
	"github.com/ecologicaleaving/startapp-sub002/storage/kvstore"
	"github.com/ecologicaleaving/startapp-sub002/storage/mirror"
	"github.com/ecologicaleaving/startapp-sub002/storage/redisstore"
	"github.com/ecologicaleaving/startapp-sub002/subscription"
	"github.com/ecologicaleaving/startapp-sub002/tiered"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "refwatch"
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// app holds everything that must be released on shutdown, in start order.
type app struct {
	logger       *slog.Logger
	cfg          *config.Config
	nats         *natsclient.Client
	redis        *redisstore.Store
	mirror       *mirror.DB
	orchestrator *tiered.Orchestrator
	manager      *subscription.Manager
	gateway      *gateway.Server
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	cli, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s\n", appName, Version)
		return nil
	}
	if cli.ShowHelp {
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}

	logger := setupLogger(stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cli.Validate {
		logger.Info("Configuration is valid", "config_paths", cli.ConfigPaths)
		return nil
	}

	logger.Info("Starting refwatch",
		"version", Version,
		"build_time", BuildTime,
		"storage", cfg.Storage.Backend,
		"realtime", cfg.Realtime.Transport)

	a := &app{logger: logger, cfg: cfg}
	defer a.shutdown()

	if err := a.start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("Received shutdown signal")
	return nil
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range cli.ConfigPaths {
		loader.AddLayer(p)
	}
	if cli.EnvFile != "" {
		loader.AddEnvFile(cli.EnvFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	return cfg, nil
}

func (a *app) start(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()
	monitor := health.NewMonitor()

	breakers := circuitbreaker.NewRegistry(
		circuitbreaker.WithLogger(logger),
		circuitbreaker.WithMetrics(metrics),
		circuitbreaker.WithStateChange(monitor.BreakerObserver()),
	)

	if cfg.NeedsNATS() {
		if err := a.connectNATS(ctx, breakers, metrics, monitor); err != nil {
			return err
		}
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	monitor.UpdateHealthy("storage", cfg.Storage.Backend)

	originTLS, err := tlsutil.LoadClientTLSConfig(cfg.Origin.TLS)
	if err != nil {
		return fmt.Errorf("origin TLS: %w", err)
	}
	origin := originapi.NewClient(cfg.Origin.BaseURL, cfg.Origin.APIKey,
		originapi.WithTimeout(cfg.Origin.Timeout),
		originapi.WithTLSConfig(originTLS),
		originapi.WithRetry(cfg.OriginRetry()),
		originapi.WithRateLimit(cfg.Origin.RateLimit, cfg.Origin.Burst),
		originapi.WithLogger(logger),
		originapi.WithMetrics(metrics),
	)

	opts := []tiered.Option{
		tiered.WithLogger(logger),
		tiered.WithMetrics(metrics),
		tiered.WithMetricsRegistry(metricsRegistry),
	}
	if store != nil {
		opts = append(opts, tiered.WithStore(store))
	}
	if cfg.Mirror.Enabled {
		db, err := mirror.Open(ctx, cfg.MirrorDB(), logger)
		if err != nil {
			return fmt.Errorf("open mirror: %w", err)
		}
		a.mirror = db
		if err := db.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("prepare mirror: %w", err)
		}
		opts = append(opts, tiered.WithMirror(db))
		monitor.UpdateHealthy("mirror", cfg.Mirror.Driver)
	}

	a.orchestrator, err = tiered.New(origin, cfg.Tiered(), opts...)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	perf, err := metric.NewPerformanceMonitor(metricsRegistry)
	if err != nil {
		return fmt.Errorf("create performance monitor: %w", err)
	}

	a.manager, err = subscription.New(a.transport(), breakers,
		subscription.WithLogger(logger),
		subscription.WithMetrics(metrics),
		subscription.WithPerformanceMonitor(perf),
		subscription.WithBreakerConfig(cfg.Breaker),
		subscription.WithConnectTimeout(cfg.Realtime.ConnectTimeout),
	)
	if err != nil {
		return fmt.Errorf("create subscription manager: %w", err)
	}
	a.manager.Initialize()
	a.manager.AddStatusListener(a.orchestrator.Listener())
	a.subscribeStartup(ctx)

	monitor.SyncBreakers(breakers)

	serverTLS, err := tlsutil.LoadServerTLSConfig(cfg.HTTP.TLS)
	if err != nil {
		return fmt.Errorf("gateway TLS: %w", err)
	}
	a.gateway, err = gateway.New(a.orchestrator,
		gateway.WithTLS(serverTLS),
		gateway.WithLogger(logger),
		gateway.WithMatches(origin),
		gateway.WithSubscriptions(a.manager),
		gateway.WithHealth(monitor),
		gateway.WithMetricsHandler(cfg.HTTP.MetricsPath, metricsRegistry.Handler()),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if _, err := a.gateway.Start(cfg.HTTP.Addr); err != nil {
		return err
	}

	logger.Info("refwatch started")
	return nil
}

func (a *app) connectNATS(ctx context.Context, breakers *circuitbreaker.Registry, metrics *metric.Metrics, monitor *health.Monitor) error {
	cfg := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(metrics),
		natsclient.WithBreaker(breakers.Get(natsclient.BreakerName, a.cfg.Breaker)),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithTimeout(cfg.Timeout),
		natsclient.WithHealthChangeCallback(monitor.UpdateConnection("nats")),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	tlsConfig, err := tlsutil.LoadClientTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("NATS TLS: %w", err)
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}

	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}
	a.nats = client

	connCtx, cancel := context.WithTimeout(ctx, a.cfg.Realtime.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connCtx); err != nil {
		monitor.UpdateUnhealthy("nats", "connect failed")
		return fmt.Errorf("connect to NATS: %w", err)
	}
	return nil
}

// openStore returns nil when the persistent tier is disabled.
func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageKV:
		s, err := kvstore.New(ctx, a.nats, a.cfg.KVStore(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("open KV bucket: %w", err)
		}
		return s, nil
	case config.StorageRedis:
		s, err := redisstore.New(ctx, a.cfg.RedisStore(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		a.redis = s
		return s, nil
	default:
		return nil, nil
	}
}

func (a *app) transport() realtime.Transport {
	if a.cfg.Realtime.Transport == config.TransportMemory {
		a.logger.Warn("Realtime transport is in-process, no external changes will arrive")
		return memtransport.New()
	}
	return natstransport.New(a.nats,
		natstransport.WithPrefix(a.cfg.Realtime.SubjectPrefix),
		natstransport.WithLogger(a.logger),
		natstransport.WithSubscribeTimeout(a.cfg.Realtime.ConnectTimeout),
	)
}

// subscribeStartup watches the configured tournaments. A refusal is logged
// and the gateway can retry later.
func (a *app) subscribeStartup(ctx context.Context) {
	rt := a.cfg.Realtime
	if len(rt.Tournaments) == 0 {
		return
	}
	id, err := a.manager.Subscribe(ctx, subscription.Config{
		TournamentNumbers: rt.Tournaments,
		EnableBatching:    rt.EnableBatching,
		BatchDelay:        rt.BatchDelay,
	}, nil)
	if err != nil {
		a.logger.Warn("Startup subscription failed", "tournaments", rt.Tournaments, "error", err)
		return
	}
	a.logger.Info("Watching tournaments", "subscription", id, "tournaments", rt.Tournaments)
}

// shutdown releases resources in reverse start order within the configured
// shutdown timeout.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if a.gateway != nil {
		if err := a.gateway.Shutdown(ctx); err != nil {
			a.logger.Error("Gateway shutdown failed", "error", err)
		}
	}
	if a.manager != nil {
		a.manager.Cleanup(ctx)
	}
	if a.orchestrator != nil {
		if err := a.orchestrator.Close(remaining(ctx)); err != nil {
			a.logger.Error("Orchestrator close failed", "error", err)
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.Error("Mirror close failed", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Redis close failed", "error", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Error("NATS close failed", "error", err)
		}
	}
	a.logger.Info("refwatch shutdown complete")
}

func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return time.Second
}
