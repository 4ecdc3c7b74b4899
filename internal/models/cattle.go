package models

import "time"

// BootstrapToken is the decoded, persisted part of a one-time token. The raw
// token is never stored; only its hash identifies the row.
type BootstrapToken struct {
	JobID      string            `json:"jobId"`
	Requester  string            `json:"requester"`
	CattleName string            `json:"cattleName"`
	EnvKeys    []string          `json:"envKeys"`
	PublicEnv  map[string]string `json:"publicEnv"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	UsedAt     *time.Time        `json:"usedAt"`
}

// CattleServer is the local mirror of a cloud instance. Timestamps are unix
// seconds. Records are tombstoned through DeletedAt, never removed.
type CattleServer struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Identity   string            `json:"identity"`
	Task       string            `json:"task"`
	TaskID     string            `json:"taskId"`
	TTLSeconds int64             `json:"ttlSeconds"`
	CreatedAt  int64             `json:"createdAt"`
	ExpiresAt  int64             `json:"expiresAt"`
	Labels     map[string]string `json:"labels"`
	LastStatus string            `json:"lastStatus"`
	LastIPv4   string            `json:"lastIpv4"`
	DeletedAt  *int64            `json:"deletedAt"`
}

// Instance status values normalized from provider-specific states.
const (
	InstanceRunning  = "running"
	InstanceStarting = "starting"
	InstanceStopping = "stopping"
	InstanceOff      = "off"
	InstanceUnknown  = "unknown"
)

// CattleInstance is a live instance as reported by the cloud provider.
type CattleInstance struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Identity   string            `json:"identity"`
	TaskID     string            `json:"taskId"`
	TTLSeconds int64             `json:"ttlSeconds"`
	CreatedAt  time.Time         `json:"createdAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	IPv4       string            `json:"ipv4"`
	Status     string            `json:"status"`
	Labels     map[string]string `json:"labels"`
}
