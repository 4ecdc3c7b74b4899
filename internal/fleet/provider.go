package fleet

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"cattle-orchestrator/internal/models"
)

// Provider is the cloud API surface the fleet needs. Implementations report
// API failures as *ProviderError so callers can classify them.
type Provider interface {
	ListServers(ctx context.Context, selector string) ([]models.CattleInstance, error)
	CreateServer(ctx context.Context, opts CreateServerOpts) (models.CattleInstance, error)
	GetServer(ctx context.Context, id string) (models.CattleInstance, error)
	DeleteServer(ctx context.Context, id string) error
}

// CreateServerOpts describes a new instance.
type CreateServerOpts struct {
	Name       string
	Image      string
	ServerType string
	Location   string
	UserData   string
	Labels     map[string]string
}

// ProviderError carries the HTTP status of a failed provider call. Status 0
// means no response was received.
type ProviderError struct {
	Op     string
	Status int
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: network failures,
// rate limiting, and server-side errors.
func IsTransient(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Status == 0 || pe.Status == http.StatusTooManyRequests || pe.Status >= 500
}

// IsNotFound reports whether err is a provider 404.
func IsNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Status == http.StatusNotFound
}

// InstanceFromLabels assembles the provider-neutral view of an instance.
// created-at and expires-at labels (unix seconds) take precedence over the
// provider creation time.
func InstanceFromLabels(id, name, status, ipv4 string, created time.Time, labels map[string]string) models.CattleInstance {
	if labels == nil {
		labels = map[string]string{}
	}
	createdAt := created.UTC()
	if v, ok := parseUnixSeconds(labels[LabelCreatedAt]); ok {
		createdAt = time.Unix(v, 0).UTC()
	}
	var expiresAt time.Time
	if v, ok := parseUnixSeconds(labels[LabelExpiresAt]); ok {
		expiresAt = time.Unix(v, 0).UTC()
	}
	var ttl int64
	if !expiresAt.IsZero() && expiresAt.After(createdAt) {
		ttl = int64(expiresAt.Sub(createdAt) / time.Second)
	}
	return models.CattleInstance{
		ID:         id,
		Name:       name,
		Identity:   labels[LabelIdentity],
		TaskID:     labels[LabelTaskID],
		TTLSeconds: ttl,
		CreatedAt:  createdAt,
		ExpiresAt:  expiresAt,
		IPv4:       ipv4,
		Status:     status,
		Labels:     labels,
	}
}

func parseUnixSeconds(v string) (int64, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ExpiredInstances returns the instances whose expiry is set and not after
// now, ordered by expiry then id.
func ExpiredInstances(instances []models.CattleInstance, now time.Time) []models.CattleInstance {
	out := make([]models.CattleInstance, 0)
	for _, inst := range instances {
		if inst.ExpiresAt.IsZero() || inst.ExpiresAt.After(now) {
			continue
		}
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// WaitForStatus polls the provider until the instance reports want or the
// timeout elapses.
func WaitForStatus(ctx context.Context, p Provider, id, want string, timeout, poll time.Duration) (models.CattleInstance, error) {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		inst, err := p.GetServer(ctx, id)
		if err != nil && !IsTransient(err) {
			return models.CattleInstance{}, err
		}
		if err == nil && inst.Status == want {
			return inst, nil
		}
		select {
		case <-ctx.Done():
			last := inst.Status
			if last == "" {
				last = models.InstanceUnknown
			}
			return models.CattleInstance{}, fmt.Errorf("server %s did not reach %s within %s (last status %s): %w", id, want, timeout, last, ctx.Err())
		case <-ticker.C:
		}
	}
}
