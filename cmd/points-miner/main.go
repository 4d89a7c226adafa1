// Points Miner - wallet gated points mining campaign server
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exnus/points-miner/internal/airdrop"
	"github.com/exnus/points-miner/internal/api"
	"github.com/exnus/points-miner/internal/config"
	"github.com/exnus/points-miner/internal/metrics"
	"github.com/exnus/points-miner/internal/mining"
	"github.com/exnus/points-miner/internal/newrelic"
	"github.com/exnus/points-miner/internal/notify"
	"github.com/exnus/points-miner/internal/policy"
	"github.com/exnus/points-miner/internal/storage"
	"github.com/exnus/points-miner/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	airdropOnly := flag.Bool("airdrop", false, "Print the airdrop allocation as JSON and exit")
	supply := flag.String("supply", "", "Total token supply for -airdrop (defaults to airdrop.total_supply)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Points Miner v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer util.Sync()

	util.Infof("Points Miner v%s starting with %s storage", version, cfg.Storage.Backend)

	ctx := context.Background()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		util.Fatalf("Failed to open storage: %v", err)
	}
	defer store.Close()

	if *airdropOnly {
		if err := printAirdrop(ctx, store, cfg, *supply); err != nil {
			util.Fatalf("Airdrop failed: %v", err)
		}
		return
	}

	// Observers
	collector := metrics.NewCollector()
	apm := newrelic.NewAgent(&cfg.NewRelic)
	if err := apm.Start(); err != nil {
		util.Warnf("Failed to start New Relic agent: %v", err)
	}
	notifier := notify.NewNotifier(&cfg.Notify)

	svc := mining.NewService(store, mining.RulesFromConfig(cfg),
		mining.WithObservers(collector, apm, notifier))

	policyServer := policy.NewServer(cfg.Policy)
	policyServer.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, svc,
			api.WithPolicy(policyServer),
			api.WithMiddleware(collector.Middleware(), apm.Middleware()),
			api.WithMetricsHandler(collector.Handler()),
			api.WithStatsHook(collector.UpdateStats),
			api.WithStatsHook(apm.UpdateCampaignMetrics),
		)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	} else {
		util.Warn("API disabled, nothing to serve")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("Points Miner started successfully. Press Ctrl+C to stop.")

	<-sigChan
	util.Info("Shutting down...")

	// Graceful shutdown
	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := apiServer.Stop(shutdownCtx); err != nil {
			util.Warnf("API shutdown: %v", err)
		}
		cancel()
	}
	policyServer.Stop()
	notifier.Close()
	apm.Stop()

	util.Info("Points Miner stopped")
}

func printAirdrop(ctx context.Context, store storage.Store, cfg *config.Config, supplyFlag string) error {
	raw := supplyFlag
	if raw == "" {
		raw = cfg.Airdrop.TotalSupply
	}
	total, err := airdrop.ParseSupply(raw)
	if err != nil {
		return err
	}

	users, err := store.AllUsers(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(airdrop.Summarize(users, total))
}
