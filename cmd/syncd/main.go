package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"panelbridge/internal/config"
	"panelbridge/internal/database"
	"panelbridge/internal/fetchcache"
	"panelbridge/internal/panel"
	"panelbridge/internal/store"
	"panelbridge/internal/worker"
)

func main() {
	// Load Configuration
	cfg := config.LoadConfig()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Could not create logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	// Connect to Database
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		sugar.Fatalf("Could not connect to database: %v", err)
	}

	// Connect to Redis
	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		sugar.Fatalf("Could not connect to redis: %v", err)
	}

	st := store.NewGormStore(db)
	creds := panel.NewStoreCredentials(st, cfg.PanelCallTimeout, sugar.Named("credentials"))
	adapters := panel.NewFactory(creds, cfg.PanelCallTimeout)
	cache := fetchcache.New(cfg.FetchCacheTTL)
	sem := semaphore.NewWeighted(cfg.AdapterConcurrency)

	// The lock TTL outlives one full cycle so a crashed leader is
	// replaced within a deadline, not a tick.
	leader := worker.NewRedisLeaderLock(rdb, "reconciler_leader", cfg.CycleDeadline+cfg.SyncInterval)

	rec := worker.NewReconciler(st, adapters, cache, sem, leader, rdb, sugar.Named("worker"), worker.Options{
		Interval:            cfg.SyncInterval,
		CycleDeadline:       cfg.CycleDeadline,
		CallTimeout:         cfg.PanelCallTimeout,
		FailStreakThreshold: cfg.FailStreakThreshold,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sugar.Info("Service started successfully")
	rec.Run(ctx)
}
