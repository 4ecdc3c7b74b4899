package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/queue"
	"cattle-orchestrator/internal/telemetry"
)

// Handler executes a job of one kind. The returned value is stored as the
// job result.
type Handler func(ctx context.Context, job models.Job) (any, error)

// Settings tune one worker loop.
type Settings struct {
	WorkerID     string
	PollInterval time.Duration
	Lease        time.Duration
	LeaseRefresh time.Duration
	Retry        queue.RetryPolicy
}

// Processor drives the worker execution loop.
type Processor struct {
	engine   *queue.Engine
	settings Settings
	handlers map[string]Handler
	wake     <-chan struct{}
	logger   *slog.Logger
}

type Option func(*Processor)

func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = telemetry.Discard(l) } }

// WithWake lets an idle loop start its next claim before the poll interval
// elapses when a value arrives on ch.
func WithWake(ch <-chan struct{}) Option { return func(p *Processor) { p.wake = ch } }

func NewProcessor(engine *queue.Engine, s Settings, opts ...Option) *Processor {
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	s.Lease = queue.ClampLease(s.Lease)
	if s.LeaseRefresh <= 0 || s.LeaseRefresh >= s.Lease {
		s.LeaseRefresh = s.Lease / 3
	}
	if s.Retry.Base <= 0 {
		s.Retry = queue.DefaultRetryPolicy()
	}
	p := &Processor{
		engine:   engine,
		settings: s,
		handlers: make(map[string]Handler),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind string, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

func (p *Processor) WorkerID() string { return p.settings.WorkerID }

// Run claims and executes jobs until ctx is cancelled. A job already
// running when ctx is cancelled is finished and settled before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started", "worker_id", p.settings.WorkerID, "lease", p.settings.Lease, "poll", p.settings.PollInterval)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		worked, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "worker_id", p.settings.WorkerID, "error", err)
		}
		if worked {
			continue
		}
		if err := p.idle(ctx); err != nil {
			return err
		}
	}
}

func (p *Processor) idle(ctx context.Context) error {
	t := time.NewTimer(p.settings.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	case <-p.wake:
	}
	return nil
}

// RunOnce claims at most one job and executes it. It reports whether a job
// was claimed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.engine.ClaimNext(ctx, p.settings.WorkerID, p.engine.Now(), p.settings.Lease)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		return false, nil
	}
	// Settle the job even if the caller is shutting down.
	return true, p.execute(context.WithoutCancel(ctx), *job)
}

func (p *Processor) execute(ctx context.Context, job models.Job) error {
	log := p.logger.With("job_id", job.ID, "kind", job.Kind, "worker_id", p.settings.WorkerID, "attempt", job.Attempt)
	telemetry.JobsClaimed.WithLabelValues(job.Kind).Inc()
	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	ctx, span := telemetry.StartSpan(ctx, "job.execute",
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", job.Kind),
		attribute.Int("job.attempt", job.Attempt),
	)
	defer span.End()

	stop := p.keepLease(ctx, job.ID, log)
	started := time.Now()
	result, runErr := p.dispatch(ctx, job)
	stop()
	telemetry.JobDuration.WithLabelValues(job.Kind).Observe(time.Since(started).Seconds())

	if runErr == nil {
		raw, err := marshalResult(result)
		if err != nil {
			runErr = err
		} else {
			ok, err := p.engine.Ack(ctx, job.ID, p.settings.WorkerID, raw)
			if err != nil {
				return fmt.Errorf("ack %s: %w", job.ID, err)
			}
			if !ok {
				log.Warn("ack ignored, lease no longer held")
				return nil
			}
			telemetry.JobsSucceeded.WithLabelValues(job.Kind).Inc()
			log.Info("job done")
			return nil
		}
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())
	out, err := p.engine.Fail(ctx, job.ID, p.settings.WorkerID, runErr.Error(), p.settings.Retry)
	if err != nil {
		return fmt.Errorf("fail %s: %w", job.ID, err)
	}
	if out == nil {
		log.Warn("failure ignored, lease no longer held", "error", runErr)
		return nil
	}
	if out.Status == models.StatusQueued {
		telemetry.JobsRetried.WithLabelValues(job.Kind).Inc()
		log.Warn("job failed, retry scheduled", "error", runErr, "run_at", out.RunAt)
		return nil
	}
	telemetry.JobsFailed.WithLabelValues(job.Kind).Inc()
	log.Error("job failed permanently", "error", runErr)
	return nil
}

// dispatch runs the handler for job.Kind, converting a panic into an error.
func (p *Processor) dispatch(ctx context.Context, job models.Job) (result any, err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic", "job_id", job.ID, "kind", job.Kind, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// keepLease extends the lease every LeaseRefresh until the returned stop
// function is called. Refreshing ends early once the lease is lost.
func (p *Processor) keepLease(ctx context.Context, jobID string, log *slog.Logger) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.settings.LeaseRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			until := p.engine.Now().Add(p.settings.Lease)
			ok, err := p.engine.ExtendLease(ctx, jobID, p.settings.WorkerID, until)
			if err != nil {
				log.Warn("lease extension failed", "error", err)
				continue
			}
			if !ok {
				log.Warn("lease lost, no longer extending")
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func marshalResult(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return raw, nil
}
