// clf-worker runs additional workers against the orchestrator's store.
// It needs a store every process can reach, such as Postgres.
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

	"cattle-orchestrator/internal/app"
	"cattle-orchestrator/internal/config"
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
		concurrency int
		workerID    string
		metricsAddr string
	)
	flagSet := pflag.NewFlagSet("clf-worker", pflag.ContinueOnError)
	flagSet.IntVar(&concurrency, "concurrency", 0, "override CLF_WORKER_CONCURRENCY")
	flagSet.StringVar(&workerID, "id", "", "override WORKER_ID")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this TCP address")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if concurrency > 0 {
		cfg.WorkerConcurrency = concurrency
	}
	if workerID != "" {
		cfg.WorkerID = workerID
	}
	logger, err := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing("clf-worker")
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

	if metricsAddr != "" {
		metrics := &http.Server{Addr: metricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer metrics.Close()
	}

	logger.Info("worker pool starting", "concurrency", cfg.WorkerConcurrency, "dialect", rt.Store.Dialect().String())
	return rt.RunWorkers(ctx, cfg.WorkerConcurrency)
}
