// Package fleet manages the lifecycle of short-lived cloud instances:
// naming and labelling, reconciliation of the local mirror against the
// provider, and reaping of instances past their expiry.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/store"
)

// ErrMaxInstances is returned when a spawn would exceed the configured
// instance cap.
var ErrMaxInstances = errors.New("max instances reached")

const (
	DefaultConcurrency = 4
	MaxConcurrency     = 10

	deleteAttempts  = 4
	deleteBaseDelay = 500 * time.Millisecond
	deleteMaxDelay  = 5 * time.Second
)

// ClampConcurrency bounds delete parallelism to [1, 10]; zero selects 4.
func ClampConcurrency(n int) int {
	switch {
	case n <= 0:
		return DefaultConcurrency
	case n > MaxConcurrency:
		return MaxConcurrency
	}
	return n
}

// Service ties a Provider to the local State.
type Service struct {
	provider Provider
	state    *State
	selector string
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSleep replaces the delay used between delete retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Service) { s.sleep = sleep }
}

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithSelector overrides the ownership label selector.
func WithSelector(sel string) Option { return func(s *Service) { s.selector = sel } }

func NewService(p Provider, state *State, opts ...Option) *Service {
	s := &Service{
		provider: p,
		state:    state,
		selector: Selector(nil),
		now:      time.Now,
		sleep:    sleepContext,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Service) Provider() Provider { return s.provider }

func (s *Service) State() *State { return s.state }

// Live lists managed instances from the provider without touching state.
func (s *Service) Live(ctx context.Context) ([]models.CattleInstance, error) {
	return s.provider.ListServers(ctx, s.selector)
}

// Reconcile lists live instances and brings the local mirror in line:
// active records missing remotely are tombstoned and every live instance is
// upserted. The live list is returned newest first.
func (s *Service) Reconcile(ctx context.Context) ([]models.CattleInstance, error) {
	live, err := s.Live(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.sync(ctx, live); err != nil {
		return nil, err
	}
	sort.SliceStable(live, func(i, j int) bool {
		if !live[i].CreatedAt.Equal(live[j].CreatedAt) {
			return live[i].CreatedAt.After(live[j].CreatedAt)
		}
		return live[i].ID < live[j].ID
	})
	return live, nil
}

func (s *Service) sync(ctx context.Context, live []models.CattleInstance) error {
	active, err := s.state.ListActive(ctx)
	if err != nil {
		return err
	}
	liveIDs := make(map[string]struct{}, len(live))
	for _, inst := range live {
		liveIDs[inst.ID] = struct{}{}
	}
	now := s.now()
	for _, rec := range active {
		if _, ok := liveIDs[rec.ID]; ok {
			continue
		}
		if err := s.state.MarkDeleted(ctx, rec.ID, now); err != nil {
			return err
		}
		s.logger.Info("cattle record tombstoned", "server_id", rec.ID, "name", rec.Name)
	}
	for _, inst := range live {
		var existing *models.CattleServer
		if rec, err := s.state.Get(ctx, inst.ID); err == nil {
			existing = &rec
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := s.state.Upsert(ctx, RecordFromInstance(inst, existing)); err != nil {
			return err
		}
	}
	return nil
}

// ReapOptions controls a reap pass.
type ReapOptions struct {
	DryRun      bool
	Concurrency int
}

// Reap deletes every managed instance whose expiry has passed. A dry run
// reports the expired set and changes nothing. On partial failure the
// instances already deleted are tombstoned and listed in the result along
// with the first error.
func (s *Service) Reap(ctx context.Context, opts ReapOptions) (models.ReapResult, error) {
	live, err := s.Live(ctx)
	if err != nil {
		return models.ReapResult{}, err
	}
	expired := ExpiredInstances(live, s.now())
	result := models.ReapResult{Expired: expired, DeletedIDs: []string{}, DryRun: opts.DryRun}
	if opts.DryRun {
		return result, nil
	}
	if err := s.sync(ctx, live); err != nil {
		return result, err
	}
	if len(expired) == 0 {
		return result, nil
	}
	ids := make([]string, len(expired))
	for i, inst := range expired {
		ids[i] = inst.ID
	}
	deleted, err := s.Delete(ctx, ids, opts.Concurrency)
	result.DeletedIDs = deleted
	return result, err
}

// Delete removes instances with at most concurrency calls in flight,
// retrying transient failures. Each successful delete is tombstoned
// immediately. The returned ids keep the input order.
func (s *Service) Delete(ctx context.Context, ids []string, concurrency int) ([]string, error) {
	var g errgroup.Group
	g.SetLimit(ClampConcurrency(concurrency))
	ok := make([]bool, len(ids))
	for i, id := range ids {
		g.Go(func() error {
			if err := s.deleteWithRetry(ctx, id); err != nil {
				return fmt.Errorf("delete server %s: %w", id, err)
			}
			ok[i] = true
			if err := s.state.MarkDeleted(ctx, id, s.now()); err != nil {
				return err
			}
			s.logger.Info("cattle server deleted", "server_id", id)
			return nil
		})
	}
	err := g.Wait()
	deleted := make([]string, 0, len(ids))
	for i, id := range ids {
		if ok[i] {
			deleted = append(deleted, id)
		}
	}
	return deleted, err
}

func (s *Service) deleteWithRetry(ctx context.Context, id string) error {
	delay := deleteBaseDelay
	for attempt := 1; ; attempt++ {
		err := s.provider.DeleteServer(ctx, id)
		if err == nil {
			return nil
		}
		if IsNotFound(err) {
			s.logger.Info("cattle server already gone", "server_id", id)
			return nil
		}
		if attempt >= deleteAttempts || !IsTransient(err) {
			return err
		}
		s.logger.Warn("delete failed, retrying", "server_id", id, "attempt", attempt, "delay", delay, "error", err)
		if err := s.sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > deleteMaxDelay {
			delay = deleteMaxDelay
		}
	}
}
