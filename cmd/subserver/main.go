package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"panelbridge/internal/aggregator"
	"panelbridge/internal/config"
	"panelbridge/internal/database"
	"panelbridge/internal/fetchcache"
	"panelbridge/internal/httpapi"
	"panelbridge/internal/panel"
	"panelbridge/internal/store"
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

	st := store.NewGormStore(db)
	creds := panel.NewStoreCredentials(st, cfg.PanelCallTimeout, sugar.Named("credentials"))
	adapters := panel.NewFactory(creds, cfg.PanelCallTimeout)
	cache := fetchcache.New(cfg.FetchCacheTTL)
	sem := semaphore.NewWeighted(cfg.AdapterConcurrency)

	agg := aggregator.New(st, adapters, cache, sem, sugar.Named("aggregator"), cfg.PanelCallTimeout)
	srv := httpapi.NewServer(agg, sugar.Named("http"))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	sugar.Infow("Subscription server listening", "addr", cfg.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalf("Server failed: %v", err)
	}
}
