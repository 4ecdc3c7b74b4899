// Package app assembles the long-running components shared by the
// orchestrator and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"cattle-orchestrator/internal/bootstrap"
	"cattle-orchestrator/internal/config"
	"cattle-orchestrator/internal/fleet"
	"cattle-orchestrator/internal/hcloud"
	"cattle-orchestrator/internal/identity"
	"cattle-orchestrator/internal/queue"
	"cattle-orchestrator/internal/ratelimit"
	"cattle-orchestrator/internal/store"
	"cattle-orchestrator/internal/worker"
)

// Version is reported to the cloud provider and by --version.
var Version = "dev"

type Runtime struct {
	Config   config.Config
	Logger   *slog.Logger
	Store    *store.Store
	Engine   *queue.Engine
	Broker   *bootstrap.Broker
	Fleet    *fleet.Service
	Cattle   *worker.CattleHandlers
	Redis    *redis.Client
	Notifier *queue.RedisNotifier
}

// Open connects the store, the optional Redis client and the cloud provider.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.RequireCattle(); err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg.DBDSN, logger)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, Logger: logger, Store: st}

	var engineOpts []queue.Option
	engineOpts = append(engineOpts, queue.WithLogger(logger))
	if cfg.RedisAddr != "" {
		rt.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rt.Notifier = queue.NewRedisNotifier(rt.Redis, "", logger)
		if err := rt.Notifier.Ping(ctx); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		engineOpts = append(engineOpts, queue.WithNotifier(rt.Notifier))
	}
	rt.Engine = queue.New(st, engineOpts...)
	rt.Broker = bootstrap.NewBroker(st)

	provider, err := hcloud.New(cfg.HCloudToken, hcloud.WithLogger(logger), hcloud.WithVersion(Version))
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Fleet = fleet.NewService(provider, fleet.NewState(st), fleet.WithLogger(logger))
	rt.Cattle = worker.NewCattleHandlers(rt.Fleet, rt.Broker, identity.NewLoader(cfg.Cattle.IdentitiesRoot),
		cfg.Cattle, cfg.ReapConcurrency, worker.WithCattleLogger(logger))
	return rt, nil
}

// Limiter returns the enqueue rate limiter, or nil without Redis.
func (rt *Runtime) Limiter() ratelimit.Limiter {
	if rt.Redis == nil {
		return nil
	}
	return ratelimit.NewTokenBucket(rt.Redis, rt.Config.RateLimitCapacity, rt.Config.RateLimitRefill)
}

// Health checks the store and, when configured, Redis.
func (rt *Runtime) Health(ctx context.Context) error {
	if err := rt.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if rt.Notifier != nil {
		if err := rt.Notifier.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// RunWorkers runs n processors until ctx is canceled. Worker ids are the
// configured prefix (or host-pid) suffixed with the slot number.
func (rt *Runtime) RunWorkers(ctx context.Context, n int) error {
	prefix := rt.Config.WorkerID
	if prefix == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		prefix = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	settings := worker.Settings{
		PollInterval: rt.Config.WorkerPollInterval,
		Lease:        rt.Config.WorkerLease,
		LeaseRefresh: rt.Config.WorkerLeaseRefresh,
		Retry:        rt.Config.RetryPolicy(),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		s := settings
		s.WorkerID = fmt.Sprintf("%s-%d", prefix, i)
		opts := []worker.Option{worker.WithLogger(rt.Logger)}
		if rt.Notifier != nil {
			wake, err := rt.Notifier.Subscribe(gctx)
			if err != nil {
				rt.Logger.Warn("wake subscription failed, polling only", "worker_id", s.WorkerID, "error", err)
			} else {
				opts = append(opts, worker.WithWake(wake))
			}
		}
		p := worker.NewProcessor(rt.Engine, s, opts...)
		rt.Cattle.Register(p)
		g.Go(func() error {
			err := p.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (rt *Runtime) Close() error {
	var errs []error
	if rt.Redis != nil {
		errs = append(errs, rt.Redis.Close())
	}
	if rt.Store != nil {
		errs = append(errs, rt.Store.Close())
	}
	return errors.Join(errs...)
}
