package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Job kinds understood by the cattle worker.
const (
	KindCattleSpawn   = "cattle.spawn"
	KindCattleReap    = "cattle.reap"
	KindCattleList    = "cattle.list"
	KindCattleDestroy = "cattle.destroy"
)

// ErrUnknownKind is returned by DecodePayload for kinds without a payload
// schema.
var ErrUnknownKind = errors.New("unknown job kind")

// Payload is implemented by every typed job payload.
type Payload interface {
	Kind() string
	Validate() error
}

// CattleTask is the task descriptor delivered to a spawned instance.
type CattleTask struct {
	SchemaVersion int    `json:"schemaVersion"`
	TaskID        string `json:"taskId"`
	Type          string `json:"type"`
	Message       string `json:"message"`
	CallbackURL   string `json:"callbackUrl"`
}

func (t CattleTask) Validate() error {
	if t.SchemaVersion != 1 {
		return fmt.Errorf("task.schemaVersion must be 1, got %d", t.SchemaVersion)
	}
	if strings.TrimSpace(t.TaskID) == "" {
		return errors.New("task.taskId is required")
	}
	if strings.TrimSpace(t.Type) == "" {
		return errors.New("task.type is required")
	}
	return nil
}

// SpawnPayload asks for one instance bound to an identity and task.
type SpawnPayload struct {
	Identity        string     `json:"identity"`
	TTL             string     `json:"ttl,omitempty"`
	Image           string     `json:"image,omitempty"`
	ServerType      string     `json:"serverType,omitempty"`
	Location        string     `json:"location,omitempty"`
	AutoShutdown    *bool      `json:"autoShutdown,omitempty"`
	WithGithubToken bool       `json:"withGithubToken,omitempty"`
	Task            CattleTask `json:"task"`
}

func (SpawnPayload) Kind() string { return KindCattleSpawn }

func (p SpawnPayload) Validate() error {
	if strings.TrimSpace(p.Identity) == "" {
		return errors.New("identity is required")
	}
	return p.Task.Validate()
}

// ReapPayload deletes expired instances.
type ReapPayload struct {
	DryRun      bool `json:"dryRun,omitempty"`
	Concurrency int  `json:"concurrency,omitempty"`
}

func (ReapPayload) Kind() string { return KindCattleReap }

func (p ReapPayload) Validate() error {
	if p.Concurrency < 0 {
		return errors.New("concurrency must not be negative")
	}
	return nil
}

// ListPayload reconciles local state and reports live instances.
type ListPayload struct {
	Identity string `json:"identity,omitempty"`
}

func (ListPayload) Kind() string { return KindCattleList }

func (ListPayload) Validate() error { return nil }

// DestroyPayload deletes specific instances, or every managed instance
// (optionally restricted to one identity) when All is set.
type DestroyPayload struct {
	IDOrName string `json:"idOrName,omitempty"`
	All      bool   `json:"all,omitempty"`
	Identity string `json:"identity,omitempty"`
	DryRun   bool   `json:"dryRun,omitempty"`
}

func (DestroyPayload) Kind() string { return KindCattleDestroy }

func (p DestroyPayload) Validate() error {
	hasTarget := strings.TrimSpace(p.IDOrName) != ""
	if hasTarget == p.All {
		return errors.New("exactly one of idOrName or all is required")
	}
	return nil
}

// DecodePayload strictly decodes raw into the payload type registered for
// kind and validates it.
func DecodePayload(kind string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindCattleSpawn:
		var v SpawnPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindCattleReap:
		var v ReapPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindCattleList:
		var v ListPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindCattleDestroy:
		var v DestroyPayload
		if err := decodeStrict(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return p, nil
}

func decodeStrict(raw json.RawMessage, v any) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		trimmed = "{}"
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// SpawnResult is stored as the result of a cattle.spawn job.
type SpawnResult struct {
	Server CattleInstance `json:"server"`
}

// ReapResult is stored as the result of a cattle.reap job.
type ReapResult struct {
	Expired    []CattleInstance `json:"expired"`
	DeletedIDs []string         `json:"deletedIds"`
	DryRun     bool             `json:"dryRun"`
}

// ListResult is stored as the result of a cattle.list job.
type ListResult struct {
	Servers []CattleInstance `json:"servers"`
}

// DestroyResult is stored as the result of a cattle.destroy job.
type DestroyResult struct {
	Targets    []CattleInstance `json:"targets"`
	DeletedIDs []string         `json:"deletedIds"`
	DryRun     bool             `json:"dryRun"`
}
