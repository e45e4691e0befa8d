package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"calhub/internal/cache"
	"calhub/internal/config"
	applog "calhub/internal/log"
	"calhub/internal/syncer"
	"calhub/internal/web"
)

func main() {
	var (
		configPath = flag.String("config", "calhub.toml", "path to config file")
		listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
		once       = flag.Bool("once", false, "run a single full sync and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		applog.Error("failed to load config", err, "config_path", *configPath)
		os.Exit(1)
	}
	applog.SetLevel(applog.ParseLevel(cfg.LogLevel))
	if *listen != "" {
		cfg.Listen = *listen
	}

	applog.Info("calhub starting",
		"listen", cfg.Listen,
		"db_path", cfg.DBPath,
		"accounts", len(cfg.Accounts),
		"sync_interval_minutes", cfg.Sync.IntervalMinutes,
		"once", *once,
	)

	store, err := cache.Open(cfg.DBPath)
	if err != nil {
		applog.Error("failed to open cache store", err, "db_path", cfg.DBPath)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := syncer.New(cfg, store)

	if *once {
		runOnce(ctx, engine, store)
		return
	}

	if err := engine.Start(ctx); err != nil {
		applog.Error("failed to start sync engine", err)
		store.Close()
		os.Exit(1)
	}

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: web.NewServer(cfg, engine).Handler(),
	}

	go func() {
		applog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			applog.Error("HTTP server failed", err)
			cancel()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		applog.Info("signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		applog.Error("HTTP shutdown failed", err)
	}

	engine.Stop()
	applog.Info("calhub exiting")
}

// runOnce performs one full sync without the scheduler, for cron-like
// invocations and smoke testing.
func runOnce(ctx context.Context, engine *syncer.Engine, store *cache.Store) {
	defer store.Close()

	engine.InitSources(ctx)
	if !engine.SyncAll(ctx) {
		applog.Warn("sync skipped")
		return
	}
	status := engine.Status()
	applog.Info("one-shot sync finished",
		"events", status.TotalEvents,
		"calendars", status.TotalCalendars,
		"errors", len(status.Errors),
	)
	if len(status.Errors) > 0 {
		os.Exit(1)
	}
}
