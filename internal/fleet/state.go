package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/store"
)

// State is the local mirror of provider instances, kept in the same
// database as the job queue.
type State struct {
	store *store.Store
}

func NewState(st *store.Store) *State {
	return &State{store: st}
}

const serverColumns = `id, name, identity, task, task_id, ttl_seconds, created_at, expires_at, labels_json, last_status, last_ipv4, deleted_at`

// Upsert inserts rec or replaces every column of an existing record with
// the same id.
func (s *State) Upsert(ctx context.Context, rec models.CattleServer) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("cattle server id is required")
	}
	labels := rec.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	var deletedAt any
	if rec.DeletedAt != nil {
		deletedAt = *rec.DeletedAt
	}
	if _, err := s.store.Exec(ctx, `
		INSERT INTO cattle_servers (`+serverColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			identity = excluded.identity,
			task = excluded.task,
			task_id = excluded.task_id,
			ttl_seconds = excluded.ttl_seconds,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			labels_json = excluded.labels_json,
			last_status = excluded.last_status,
			last_ipv4 = excluded.last_ipv4,
			deleted_at = excluded.deleted_at
	`, rec.ID, rec.Name, rec.Identity, rec.Task, rec.TaskID, rec.TTLSeconds, rec.CreatedAt, rec.ExpiresAt,
		string(labelsJSON), rec.LastStatus, rec.LastIPv4, deletedAt); err != nil {
		return fmt.Errorf("upsert cattle server %s: %w", rec.ID, err)
	}
	return nil
}

// MarkDeleted tombstones an active record. Already deleted records keep
// their original deletion time.
func (s *State) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	if _, err := s.store.Exec(ctx, `
		UPDATE cattle_servers SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, at.Unix(), id); err != nil {
		return fmt.Errorf("tombstone cattle server %s: %w", id, err)
	}
	return nil
}

// ListActive returns records without a tombstone, newest first.
func (s *State) ListActive(ctx context.Context) ([]models.CattleServer, error) {
	rows, err := s.store.Query(ctx, `
		SELECT `+serverColumns+` FROM cattle_servers
		WHERE deleted_at IS NULL ORDER BY created_at DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list cattle servers: %w", err)
	}
	defer rows.Close()
	out := make([]models.CattleServer, 0)
	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FindActive looks up an active record by id or, failing that, by name.
func (s *State) FindActive(ctx context.Context, idOrName string) (models.CattleServer, error) {
	v := strings.TrimSpace(idOrName)
	rec, err := scanServer(s.store.QueryRow(ctx, `
		SELECT `+serverColumns+` FROM cattle_servers
		WHERE deleted_at IS NULL AND (id = ? OR name = ?)
		ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END, created_at DESC
		LIMIT 1
	`, v, v, v))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CattleServer{}, fmt.Errorf("cattle server %s: %w", v, store.ErrNotFound)
	}
	return rec, err
}

// Get returns a record by id, including tombstoned ones.
func (s *State) Get(ctx context.Context, id string) (models.CattleServer, error) {
	rec, err := scanServer(s.store.QueryRow(ctx, `SELECT `+serverColumns+` FROM cattle_servers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.CattleServer{}, fmt.Errorf("cattle server %s: %w", id, store.ErrNotFound)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (models.CattleServer, error) {
	var (
		rec        models.CattleServer
		labelsJSON string
		deletedAt  sql.NullInt64
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Identity, &rec.Task, &rec.TaskID, &rec.TTLSeconds, &rec.CreatedAt, &rec.ExpiresAt,
		&labelsJSON, &rec.LastStatus, &rec.LastIPv4, &deletedAt); err != nil {
		return models.CattleServer{}, err
	}
	if labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &rec.Labels); err != nil {
			return models.CattleServer{}, fmt.Errorf("decode labels of %s: %w", rec.ID, err)
		}
	}
	if rec.Labels == nil {
		rec.Labels = map[string]string{}
	}
	if deletedAt.Valid {
		v := deletedAt.Int64
		rec.DeletedAt = &v
	}
	return rec, nil
}

// RecordFromInstance converts a live instance into a state record. Fields
// the provider cannot report (task text) or left empty are taken from
// existing when present.
func RecordFromInstance(inst models.CattleInstance, existing *models.CattleServer) models.CattleServer {
	rec := models.CattleServer{
		ID:         inst.ID,
		Name:       inst.Name,
		Identity:   inst.Identity,
		TaskID:     inst.TaskID,
		TTLSeconds: inst.TTLSeconds,
		CreatedAt:  inst.CreatedAt.Unix(),
		Labels:     inst.Labels,
		LastStatus: inst.Status,
		LastIPv4:   inst.IPv4,
	}
	if !inst.ExpiresAt.IsZero() {
		rec.ExpiresAt = inst.ExpiresAt.Unix()
	}
	if existing == nil {
		return rec
	}
	rec.Task = existing.Task
	if rec.Identity == "" {
		rec.Identity = existing.Identity
	}
	if rec.TaskID == "" {
		rec.TaskID = existing.TaskID
	}
	if len(rec.Labels) == 0 {
		rec.Labels = existing.Labels
	}
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = existing.ExpiresAt
	}
	if rec.TTLSeconds == 0 {
		rec.TTLSeconds = existing.TTLSeconds
	}
	if rec.LastIPv4 == "" {
		rec.LastIPv4 = existing.LastIPv4
	}
	return rec
}
