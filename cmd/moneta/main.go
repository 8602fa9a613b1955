package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moneta-lab/project-moneta/internal/analytics"
	"github.com/moneta-lab/project-moneta/internal/anomaly"
	v1 "github.com/moneta-lab/project-moneta/internal/api/v1"
	corecfg "github.com/moneta-lab/project-moneta/internal/core/config"
	"github.com/moneta-lab/project-moneta/internal/core/storage/postgres"
	"github.com/moneta-lab/project-moneta/internal/finance"
	"github.com/moneta-lab/project-moneta/internal/insights"
	"github.com/moneta-lab/project-moneta/internal/livefeed"
	"github.com/moneta-lab/project-moneta/internal/migrations"
	"github.com/moneta-lab/project-moneta/internal/server"
	syncbus "github.com/moneta-lab/project-moneta/internal/sync"
	"github.com/moneta-lab/project-moneta/internal/transactions"
)

func main() {
	configPath := flag.String("config", "moneta.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	// Intervals were validated in Load; errors here are impossible.
	pollInterval, _ := cfg.Sync.EffectivePollInterval()
	flushInterval, _ := cfg.Analytics.EffectiveFlushInterval()

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// 3. Initialize Cascade Collaborators
	relationships, err := syncbus.LoadRelationships(cfg.Sync.RelationshipsDir)
	if err != nil {
		slog.Error("Failed to load entity relationships", "dir", cfg.Sync.RelationshipsDir, "error", err)
		os.Exit(1)
	}

	budgets := finance.NewBudgetLedger(logger)
	goals := finance.NewGoalBook(logger)

	engine := anomaly.NewEngine(anomaly.Options{
		Trees:           cfg.Anomaly.Trees,
		Contamination:   cfg.Anomaly.Contamination,
		Seed:            cfg.Anomaly.Seed,
		ZScoreThreshold: cfg.Anomaly.ZScoreThreshold,
	}, logger)
	insightsSvc := insights.NewService(engine, dbAdapter, cfg.Anomaly.HistoryLimit, logger)
	checker := insights.NewChecker(insightsSvc, logger)

	// 4. Initialize Sync Bus
	cascade := syncbus.NewCascade(relationships, budgets, goals, checker, nil)
	bus := syncbus.New(cascade, syncbus.Options{PollInterval: pollInterval})

	// 5. Initialize Analytics Rollup
	rollupStore := postgres.NewRollupAdapter(dbAdapter.DB())
	rollup := analytics.NewRollup(cfg.RuleLoading.Rules, rollupStore, logger)

	if cfg.Analytics.Enabled {
		seedCtx, cancelSeed := context.WithTimeout(context.Background(), 30*time.Second)
		persisted, err := rollupStore.LoadRollups(seedCtx)
		cancelSeed()
		if err != nil {
			slog.Error("Failed to seed analytics rollups", "error", err)
			os.Exit(1)
		}
		rollup.Seed(persisted)

		for _, kind := range rollup.Kinds() {
			bus.Subscribe(kind, rollup.Apply)
		}
		slog.Info("Analytics rollup initialized",
			"rules", len(cfg.RuleLoading.Rules),
			"seeded_buckets", len(persisted),
			"flush_interval", flushInterval,
		)
	} else {
		slog.Info("Analytics rollup disabled by config")
	}

	// 6. Initialize API Services
	transactionsSvc := transactions.NewService(dbAdapter, bus, cfg.Server.MaxBodySizeMB)
	// Receipt-synthesized transactions exist only as events until this
	// subscriber lands them in the store.
	bus.Subscribe(v1.KindTransactionAdded, transactionsSvc.PersistSynthesized)
	gateway := livefeed.NewGateway(bus, logger)
	analyticsHandler := analytics.NewHandler(rollup)

	// 7. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter.DB(), cfg.Server.Mode, bus.Running)
	transactionsSvc.RegisterRoutes(srv.Engine)
	insightsSvc.RegisterRoutes(srv.Engine)
	gateway.RegisterRoutes(srv.Engine)
	analyticsHandler.RegisterRoutes(srv.Engine)

	// 8. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Start()

	if cfg.Analytics.Enabled {
		go rollup.FlushLoop(ctx, flushInterval)
	}

	// Signal handler → triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	// Stop the bus after the HTTP surface is gone: no new events arrive, the
	// consumer finishes the in-flight event and drains the final flush below.
	bus.Stop()

	if cfg.Analytics.Enabled {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 30*time.Second)
		if err := rollup.Flush(flushCtx); err != nil {
			slog.Error("Final analytics flush failed", "error", err)
		}
		cancelFlush()
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
