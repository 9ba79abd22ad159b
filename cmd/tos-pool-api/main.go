// TOS Pool API - live statistics for the TOS mining pool
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tos-network/tos-pool-api/internal/api"
	"github.com/tos-network/tos-pool-api/internal/charts"
	"github.com/tos-network/tos-pool-api/internal/config"
	"github.com/tos-network/tos-pool-api/internal/live"
	nr "github.com/tos-network/tos-pool-api/internal/newrelic"
	"github.com/tos-network/tos-pool-api/internal/notify"
	"github.com/tos-network/tos-pool-api/internal/policy"
	"github.com/tos-network/tos-pool-api/internal/profiling"
	"github.com/tos-network/tos-pool-api/internal/rpc"
	"github.com/tos-network/tos-pool-api/internal/stats"
	"github.com/tos-network/tos-pool-api/internal/storage"
	"github.com/tos-network/tos-pool-api/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("TOS Pool API v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Pool.Version == "" {
		cfg.Pool.Version = version
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Infof("TOS Pool API v%s starting for %s", version, cfg.Pool.Coin)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to Redis
	redis, err := storage.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Pool.Coin)
	if err != nil {
		util.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()

	// Connect to TOS daemons
	upstreams := rpc.NewUpstreamManager(ctx, &cfg.Node)
	upstreams.Start()

	agent := nr.NewAgent(&cfg.NewRelic)
	if err := agent.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}

	chartsProvider := charts.NewProvider(redis, nil)
	cache := stats.NewCache()

	broadcaster := live.NewBroadcaster(
		live.NewRegistry("live", cfg.API.MaxSubscriptions),
		live.NewRegistry("workers", cfg.API.MaxSubscriptions),
		live.NewWorkerResolver(redis, chartsProvider, cfg.API.Payments),
		cfg.API.BroadcastWorkers,
	)
	broadcaster.SetNewRelicApp(agent.Application())
	agent.SetSubscriberCounters(broadcaster.Live(), broadcaster.Workers())

	builder := stats.NewBuilder(cfg, redis, upstreams, chartsProvider)
	collector := stats.NewCollector(builder, cache, broadcaster, cfg.API.UpdateInterval)
	collector.SetTracer(agent)

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewNotifier(&cfg.Notify, &cfg.Pool)
		collector.AddObserver(notifier)
		util.Info("Webhook notifications enabled")
	}
	collector.Start(ctx)

	policyServer := policy.NewPolicyServer(&policy.Config{
		MaxConnectionsPerIP: int32(cfg.Security.MaxConnectionsPerIP),
		ResetInterval:       10 * time.Minute,
		RefreshInterval:     cfg.Security.RefreshInterval,
	}, redis)
	policyServer.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, redis, cache, broadcaster)
		apiServer.SetPolicy(policyServer)
		apiServer.SetNewRelicApp(agent.Application())
		apiServer.SetUpstreamStateFunc(upstreams.GetUpstreamStates)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	profiler := profiling.NewServer(&cfg.Profiling, broadcaster.Live(), broadcaster.Workers())
	if err := profiler.Start(); err != nil {
		util.Warnf("Failed to start profiling server: %v", err)
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Pool API started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown
	collector.Stop()
	broadcaster.Shutdown()
	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			util.Warnf("API server shutdown: %v", err)
		}
		shutdownCancel()
	}
	profileCtx, profileCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := profiler.Stop(profileCtx); err != nil {
		util.Warnf("Profiling server shutdown: %v", err)
	}
	profileCancel()
	policyServer.Stop()
	upstreams.Stop()
	if notifier != nil {
		notifier.Wait()
	}
	agent.Stop()

	util.Info("Pool API stopped")
}
