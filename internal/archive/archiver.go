// Package archive exports terminal jobs and their audit trail before the
// retention pass deletes them.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/queue"
	"cattle-orchestrator/internal/telemetry"
)

const defaultBatch = 200

// Record is one JSONL line of an archive object.
type Record struct {
	Job    models.Job        `json:"job"`
	Events []models.JobEvent `json:"events"`
}

type Archiver struct {
	engine   *queue.Engine
	uploader Uploader
	prefix   string
	batch    int
	logger   *slog.Logger
}

type Option func(*Archiver)

func WithBatchSize(n int) Option { return func(a *Archiver) { a.batch = n } }

func WithLogger(l *slog.Logger) Option { return func(a *Archiver) { a.logger = l } }

func New(engine *queue.Engine, uploader Uploader, prefix string, opts ...Option) *Archiver {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	a := &Archiver{engine: engine, uploader: uploader, prefix: prefix, batch: defaultBatch}
	for _, opt := range opts {
		opt(a)
	}
	if a.batch <= 0 {
		a.batch = defaultBatch
	}
	a.logger = telemetry.Discard(a.logger)
	return a
}

// Prune archives every terminal job past the retention cutoff and then
// deletes it. A batch is only deleted after its upload succeeded.
func (a *Archiver) Prune(ctx context.Context, now time.Time, keepDays int) (int64, error) {
	cutoff := queue.PruneCutoff(now, keepDays)
	var total int64
	for seq := 0; ; seq++ {
		jobs, err := a.engine.PrunableJobs(ctx, cutoff, a.batch)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			return total, nil
		}
		body, ids, err := a.encode(ctx, jobs)
		if err != nil {
			return total, err
		}
		key := a.objectKey(now, seq)
		uri, err := a.uploader.Upload(ctx, key, body, "application/x-ndjson")
		if err != nil {
			return total, fmt.Errorf("upload archive: %w", err)
		}
		deleted, err := a.engine.DeleteJobs(ctx, ids)
		if err != nil {
			return total, err
		}
		total += deleted
		telemetry.JobsArchived.Add(float64(deleted))
		a.logger.Info("jobs archived", "uri", uri, "jobs", len(ids), "deleted", deleted)
		if len(jobs) < a.batch {
			return total, nil
		}
	}
}

func (a *Archiver) encode(ctx context.Context, jobs []models.Job) ([]byte, []string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		events, err := a.engine.Events(ctx, job.ID)
		if err != nil {
			return nil, nil, err
		}
		if err := enc.Encode(Record{Job: job, Events: events}); err != nil {
			return nil, nil, fmt.Errorf("encode job %s: %w", job.ID, err)
		}
		ids = append(ids, job.ID)
	}
	return buf.Bytes(), ids, nil
}

func (a *Archiver) objectKey(now time.Time, seq int) string {
	now = now.UTC()
	return fmt.Sprintf("%s%s/jobs-%d-%03d.jsonl", a.prefix, now.Format("2006/01/02"), now.UnixMilli(), seq)
}
