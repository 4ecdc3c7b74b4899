// Package maintenance runs the orchestrator's periodic housekeeping: reap
// scheduling, bootstrap token pruning and job retention.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/queue"
	"cattle-orchestrator/internal/telemetry"
)

// Requester is recorded on jobs the loop enqueues itself.
const Requester = "clf-maintenance"

var trackedStatuses = []string{
	string(models.StatusQueued),
	string(models.StatusRunning),
	string(models.StatusDone),
	string(models.StatusFailed),
	string(models.StatusCanceled),
}

// TokenPruner removes expired or consumed bootstrap tokens.
type TokenPruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// JobPruner removes terminal jobs past the retention horizon.
type JobPruner interface {
	Prune(ctx context.Context, now time.Time, keepDays int) (int64, error)
}

type Settings struct {
	Interval     time.Duration
	ReapInterval time.Duration
	KeepDays     int
}

type Loop struct {
	engine *queue.Engine
	tokens TokenPruner
	jobs   JobPruner
	s      Settings
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Loop)

func WithLogger(l *slog.Logger) Option { return func(lp *Loop) { lp.logger = l } }

func WithClock(now func() time.Time) Option { return func(lp *Loop) { lp.now = now } }

// WithJobPruner replaces the engine's own prune, typically with an archiver.
func WithJobPruner(p JobPruner) Option { return func(lp *Loop) { lp.jobs = p } }

func New(engine *queue.Engine, tokens TokenPruner, s Settings, opts ...Option) *Loop {
	lp := &Loop{engine: engine, tokens: tokens, jobs: engine, s: s, now: time.Now}
	for _, opt := range opts {
		opt(lp)
	}
	if lp.s.Interval <= 0 {
		lp.s.Interval = time.Minute
	}
	lp.logger = telemetry.Discard(lp.logger)
	return lp
}

// Run ticks until ctx is canceled. Each step logs its own failure so one
// broken step does not starve the others.
func (lp *Loop) Run(ctx context.Context) error {
	lp.Tick(ctx)
	ticker := time.NewTicker(lp.s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			lp.Tick(ctx)
		}
	}
}

// Tick runs every maintenance step once.
func (lp *Loop) Tick(ctx context.Context) {
	now := lp.now()
	if _, _, err := lp.ScheduleReap(ctx, now); err != nil {
		lp.logger.Error("schedule reap failed", "error", err)
	}
	if lp.tokens != nil {
		if n, err := lp.tokens.Prune(ctx, now); err != nil {
			lp.logger.Error("prune bootstrap tokens failed", "error", err)
		} else if n > 0 {
			lp.logger.Info("bootstrap tokens pruned", "count", n)
		}
	}
	if n, err := lp.jobs.Prune(ctx, now, lp.s.KeepDays); err != nil {
		lp.logger.Error("prune jobs failed", "error", err)
	} else if n > 0 {
		lp.logger.Info("jobs pruned", "count", n, "keep_days", lp.s.KeepDays)
	}
	if err := lp.RecordDepth(ctx); err != nil {
		lp.logger.Warn("queue depth unavailable", "error", err)
	}
}

// ScheduleReap enqueues one cattle.reap per reap interval. The idempotency
// key is derived from the interval bucket, so orchestrators sharing a store
// schedule it once. An interval under 1ms disables scheduling.
func (lp *Loop) ScheduleReap(ctx context.Context, now time.Time) (string, bool, error) {
	step := lp.s.ReapInterval.Milliseconds()
	if step <= 0 {
		return "", false, nil
	}
	bucket := now.UnixMilli() / step
	payload, err := json.Marshal(models.ReapPayload{})
	if err != nil {
		return "", false, err
	}
	res, err := lp.engine.Enqueue(ctx, queue.EnqueueParams{
		Kind:           models.KindCattleReap,
		Requester:      Requester,
		IdempotencyKey: fmt.Sprintf("reap-%d", bucket),
		Payload:        payload,
		MaxAttempts:    3,
	})
	if err != nil {
		return "", false, err
	}
	if !res.Deduped {
		telemetry.JobsEnqueued.WithLabelValues(models.KindCattleReap).Inc()
		lp.logger.Debug("reap scheduled", "job_id", res.JobID)
	}
	return res.JobID, !res.Deduped, nil
}

// RecordDepth refreshes the per-status queue depth gauge.
func (lp *Loop) RecordDepth(ctx context.Context) error {
	counts, err := lp.engine.CountByStatus(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]int64, len(counts))
	for status, n := range counts {
		byName[string(status)] = n
	}
	telemetry.SetQueueDepth(byName, trackedStatuses)
	return nil
}
