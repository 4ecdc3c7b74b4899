package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cattle-orchestrator/internal/api"
	"cattle-orchestrator/internal/bootstrap"
	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/queue"
	"cattle-orchestrator/internal/store"
)

func serve(t *testing.T) (*Client, *queue.Engine) {
	t.Helper()
	dir, err := os.MkdirTemp("", "clf-client-")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	st, err := store.Open(context.Background(), filepath.Join(dir, "state.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	engine := queue.New(st)
	srv := api.New(engine, bootstrap.NewBroker(st), api.WithStreamPoll(10*time.Millisecond))

	path := filepath.Join(dir, "o.sock")
	l, _, err := api.Listen(path, false)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hs := &http.Server{Handler: srv.Router()}
	go func() { _ = hs.Serve(l) }()
	t.Cleanup(func() { _ = hs.Close() })
	return New(path), engine
}

func TestClientJobLifecycle(t *testing.T) {
	c, _ := serve(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	p := EnqueueParams{
		Requester:      "ops",
		IdempotencyKey: "reap-manual",
		Kind:           models.KindCattleReap,
		Payload:        models.ReapPayload{DryRun: true},
	}
	first, err := c.Enqueue(ctx, p)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	again, err := c.Enqueue(ctx, p)
	if err != nil || again.JobID != first.JobID || !again.Deduped {
		t.Fatalf("expected dedupe, got %+v err=%v", again, err)
	}

	jobs, err := c.List(ctx, ListOptions{Requester: "ops", Statuses: []models.JobStatus{models.StatusQueued}, Kinds: []string{models.KindCattleReap}})
	if err != nil || len(jobs) != 1 || jobs[0].ID != first.JobID {
		t.Fatalf("unexpected list %+v err=%v", jobs, err)
	}

	job, err := c.Show(ctx, first.JobID)
	if err != nil || job.Status != models.StatusQueued {
		t.Fatalf("unexpected show %+v err=%v", job, err)
	}

	res, err := c.Cancel(ctx, first.JobID)
	if err != nil || !res.Canceled || res.Status != models.StatusCanceled {
		t.Fatalf("unexpected cancel %+v err=%v", res, err)
	}

	events, err := c.Events(ctx, first.JobID)
	if err != nil || len(events) != 2 || events[1].Type != models.EventCancel {
		t.Fatalf("unexpected events %+v err=%v", events, err)
	}
}

func TestClientErrors(t *testing.T) {
	c, _ := serve(t)
	ctx := context.Background()

	if _, err := c.Show(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err := c.Enqueue(ctx, EnqueueParams{Requester: "ops", Kind: "image.resize"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %v", err)
	}
}

func TestClientFollow(t *testing.T) {
	c, engine := serve(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := engine.Enqueue(ctx, queue.EnqueueParams{Kind: models.KindCattleList, Requester: "ops", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := make(chan models.JobEvent, 1)
	stop := errors.New("stop")
	err = c.Follow(ctx, 0, func(ev models.JobEvent) error {
		got <- ev
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
	ev := <-got
	if ev.JobID != res.JobID || ev.Type != models.EventEnqueue {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestClientUnreachableSocket(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "absent.sock"))
	if err := c.Health(context.Background()); err == nil {
		t.Fatalf("expected dial error")
	}
}
