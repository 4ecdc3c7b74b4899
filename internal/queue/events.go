package queue

import (
	"context"
	"fmt"
	"time"

	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/store"
)

func insertEvent(ctx context.Context, q store.Querier, jobID string, at time.Time, typ models.EventType, message string, attempt int) error {
	if _, err := q.Exec(ctx, `
		INSERT INTO job_events (job_id, at, type, message, attempt)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, store.UnixMillis(at), string(typ), message, attempt); err != nil {
		return fmt.Errorf("insert %s event: %w", typ, err)
	}
	return nil
}

// Events returns the audit trail of a job in insertion order.
func (e *Engine) Events(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	return e.queryEvents(ctx, `
		SELECT id, job_id, at, type, message, attempt FROM job_events
		WHERE job_id = ? ORDER BY id ASC
	`, jobID)
}

// EventsAfter returns up to limit events with an id greater than afterID.
// Subscribers use the last seen id as a cursor.
func (e *Engine) EventsAfter(ctx context.Context, afterID int64, limit int) ([]models.JobEvent, error) {
	return e.queryEvents(ctx, `
		SELECT id, job_id, at, type, message, attempt FROM job_events
		WHERE id > ? ORDER BY id ASC LIMIT ?
	`, afterID, ClampListLimit(limit))
}

// LatestEventID returns the highest event id, or zero for an empty table.
func (e *Engine) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := e.store.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM job_events`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id, nil
}

func (e *Engine) queryEvents(ctx context.Context, query string, args ...any) ([]models.JobEvent, error) {
	rows, err := e.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	events := make([]models.JobEvent, 0)
	for rows.Next() {
		var (
			ev  models.JobEvent
			at  int64
			typ string
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &at, &typ, &ev.Message, &ev.Attempt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At = store.FromMillis(at)
		ev.Type = models.EventType(typ)
		events = append(events, ev)
	}
	return events, rows.Err()
}
