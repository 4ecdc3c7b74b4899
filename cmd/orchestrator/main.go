// clf-orchestrator serves the job API on a Unix socket and runs the
// in-process workers and the maintenance loop against the same store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"cattle-orchestrator/internal/api"
	"cattle-orchestrator/internal/app"
	"cattle-orchestrator/internal/archive"
	"cattle-orchestrator/internal/config"
	"cattle-orchestrator/internal/maintenance"
	"cattle-orchestrator/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath  string
		workers     int
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("clf-orchestrator", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "override CLF_SOCKET_PATH")
	flagSet.IntVar(&workers, "workers", 0, "override CLF_WORKER_CONCURRENCY")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("clf-orchestrator", app.Version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if workers > 0 {
		cfg.WorkerConcurrency = workers
	}
	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing("clf-orchestrator")
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	rt, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := []api.Option{api.WithLogger(logger), api.WithHealthCheck(rt.Health)}
	if limiter := rt.Limiter(); limiter != nil {
		opts = append(opts, api.WithLimiter(limiter))
	}
	server := api.New(rt.Engine, rt.Broker, opts...)

	maintOpts := []maintenance.Option{maintenance.WithLogger(logger)}
	if cfg.Archive.Enabled() {
		uploader, err := archive.NewUploader(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("init archive: %w", err)
		}
		archiver := archive.New(rt.Engine, uploader, cfg.Archive.Prefix, archive.WithLogger(logger))
		maintOpts = append(maintOpts, maintenance.WithJobPruner(archiver))
	}
	loop := maintenance.New(rt.Engine, rt.Broker, maintenance.Settings{
		Interval:     cfg.MaintenanceInterval,
		ReapInterval: cfg.ReapInterval,
		KeepDays:     cfg.JobsKeepDays,
	}, maintOpts...)

	listener, activated, err := api.Listen(cfg.SocketPath, cfg.SocketAllowGroup)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("orchestrator listening", "socket", cfg.SocketPath, "activated", activated,
		"workers", cfg.WorkerConcurrency, "dialect", rt.Store.Dialect().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return rt.RunWorkers(gctx, cfg.WorkerConcurrency) })
	g.Go(func() error {
		if err := loop.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err = g.Wait()
	logger.Info("orchestrator stopped")
	return err
}
