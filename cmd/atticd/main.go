// Command atticd is the attachment offload daemon. It watches every
// configured tenant's ticketing backend, migrates attachments into object
// storage on a schedule, reconciles the backlog, and serves a status API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	apiPkg "github.com/attic-io/attic/internal/api"
	"github.com/attic-io/attic/internal/config"
	"github.com/attic-io/attic/internal/logbuf"
	"github.com/attic-io/attic/internal/scheduler"
	"github.com/attic-io/attic/internal/tenant"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file (env-only config when omitted)")
	checkOnly := flag.Bool("check", false, "Validate config and destination buckets, then exit")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (file or ATTIC_ env)
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("atticd starting", "tenants", len(cfg.Tenants), "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Build tenant runtimes
	mgr, err := tenant.NewManager(cfg, logger)
	if err != nil {
		logger.Error("failed to build tenants", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()

	// 2. Verify every destination bucket before the first upload
	if err := mgr.CheckDestinations(ctx); err != nil {
		logger.Error("destination check failed", "error", err)
		os.Exit(1)
	}
	if *checkOnly {
		logger.Info("config and destinations ok")
		return
	}

	// 3. Schedule the periodic jobs
	sched := scheduler.New(logger)
	if err := mgr.RegisterJobs(ctx, sched, cfg.Jobs); err != nil {
		logger.Error("failed to register jobs", "error", err)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	// 4. Start the status API
	apiSrv := apiPkg.NewServer(mgr, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 5. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("atticd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
