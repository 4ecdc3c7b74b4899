package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cattle-orchestrator/internal/config"
	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/queue"
	"cattle-orchestrator/internal/store"
)

var start = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *queue.Engine {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "archive.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return queue.New(st, queue.WithClock(func() time.Time { return start }))
}

func finishedJob(t *testing.T, e *queue.Engine, kind string) string {
	t.Helper()
	ctx := context.Background()
	res, err := e.Enqueue(ctx, queue.EnqueueParams{Kind: kind, Requester: "ops", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := e.ClaimNext(ctx, "w1", start, time.Minute)
	if err != nil || job == nil || job.ID != res.JobID {
		t.Fatalf("claim: job=%v err=%v", job, err)
	}
	if ok, err := e.Ack(ctx, job.ID, "w1", json.RawMessage(`{"ok":true}`)); err != nil || !ok {
		t.Fatalf("ack: ok=%v err=%v", ok, err)
	}
	return job.ID
}

func TestPruneArchivesBeforeDelete(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	first := finishedJob(t, engine, "cattle.reap")
	second := finishedJob(t, engine, "cattle.list")
	pending, err := engine.Enqueue(ctx, queue.EnqueueParams{Kind: "cattle.list", Requester: "ops", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	dir := t.TempDir()
	a := New(engine, NewDirUploader(dir), "jobs", WithBatchSize(1))
	now := start.Add(10 * 24 * time.Hour)
	deleted, err := a.Prune(ctx, now, 7)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}

	var records []Record
	for seq := 0; seq < 2; seq++ {
		path := filepath.Join(dir, "jobs", "2026", "01", "15", fmt.Sprintf("jobs-%d-%03d.jsonl", now.UnixMilli(), seq))
		records = append(records, readRecords(t, path)...)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 archived records, got %d", len(records))
	}
	seen := map[string]bool{}
	for _, rec := range records {
		seen[rec.Job.ID] = true
		if len(rec.Events) != 3 || rec.Events[2].Type != models.EventAck {
			t.Fatalf("expected enqueue/claim/ack events for %s, got %+v", rec.Job.ID, rec.Events)
		}
	}
	if !seen[first] || !seen[second] {
		t.Fatalf("unexpected archived jobs: %v", seen)
	}

	if _, err := engine.Get(ctx, first); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected archived job to be deleted, got %v", err)
	}
	if _, err := engine.Get(ctx, pending.JobID); err != nil {
		t.Fatalf("queued job must survive: %v", err)
	}
}

func TestPruneKeepsJobsWhenUploadFails(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	id := finishedJob(t, engine, "cattle.reap")

	a := New(engine, failingUploader{}, "")
	if _, err := a.Prune(ctx, start.Add(30*24*time.Hour), 7); err == nil {
		t.Fatalf("expected upload error")
	}
	if _, err := engine.Get(ctx, id); err != nil {
		t.Fatalf("job must survive a failed upload: %v", err)
	}
}

func TestPruneNothingToArchive(t *testing.T) {
	engine := newEngine(t)
	finishedJob(t, engine, "cattle.reap")
	a := New(engine, failingUploader{}, "jobs/")
	deleted, err := a.Prune(context.Background(), start.Add(24*time.Hour), 7)
	if err != nil || deleted != 0 {
		t.Fatalf("expected no-op, got deleted=%d err=%v", deleted, err)
	}
}

func TestDirUploaderRejectsDirectoryKey(t *testing.T) {
	u := NewDirUploader(t.TempDir())
	if _, err := u.Upload(context.Background(), "jobs/", []byte("x"), "text/plain"); err == nil {
		t.Fatalf("expected error for directory key")
	}
}

func TestDirUploaderStaysInsideRoot(t *testing.T) {
	root := t.TempDir()
	u := NewDirUploader(root)
	uri, err := u.Upload(context.Background(), "../../escape.jsonl", []byte("x"), "text/plain")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uri != "file://"+filepath.Join(root, "escape.jsonl") {
		t.Fatalf("unexpected uri %q", uri)
	}
}

func TestS3UploaderPutsObject(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	up, err := NewUploader(context.Background(), config.ArchiveConfig{
		Bucket: "clf-archive", Region: "eu-central-1", Endpoint: srv.URL, PathStyle: true,
	})
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	uri, err := up.Upload(context.Background(), "jobs/a.jsonl", []byte("{}\n"), "application/x-ndjson")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if uri != "s3://clf-archive/jobs/a.jsonl" {
		t.Fatalf("unexpected uri %q", uri)
	}
	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/clf-archive/jobs/a.jsonl" {
		t.Fatalf("unexpected request %s %s", method, path)
	}
}

func TestNewUploaderDisabled(t *testing.T) {
	up, err := NewUploader(context.Background(), config.ArchiveConfig{})
	if err != nil || up != nil {
		t.Fatalf("expected nil uploader, got %v %v", up, err)
	}
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("bucket unavailable")
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		out = append(out, rec)
	}
	return out
}
