package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in the job store.
type JobStatus string

const (
	StatusQueued   JobStatus = "queued"
	StatusRunning  JobStatus = "running"
	StatusDone     JobStatus = "done"
	StatusFailed   JobStatus = "failed"
	StatusCanceled JobStatus = "canceled"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCanceled
}

// ParseJobStatus validates a status string received from a caller.
func ParseJobStatus(v string) (JobStatus, bool) {
	switch s := JobStatus(v); s {
	case StatusQueued, StatusRunning, StatusDone, StatusFailed, StatusCanceled:
		return s, true
	}
	return "", false
}

// Job represents a unit of work persisted in the job store. Payload and
// Result are owned by the handler registered for Kind.
type Job struct {
	ID             string          `json:"jobId"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Requester      string          `json:"requester"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Status         JobStatus       `json:"status"`
	Priority       int             `json:"priority"`
	RunAt          time.Time       `json:"runAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Attempt        int             `json:"attempt"`
	MaxAttempts    int             `json:"maxAttempts"`
	LockedBy       *string         `json:"lockedBy"`
	LeaseUntil     *time.Time      `json:"leaseUntil"`
	LastError      string          `json:"lastError"`
	Result         json.RawMessage `json:"result"`
}

// EventType names the state change a JobEvent documents.
type EventType string

const (
	EventEnqueue EventType = "enqueue"
	EventClaim   EventType = "claim"
	EventAck     EventType = "ack"
	EventRetry   EventType = "retry"
	EventFail    EventType = "fail"
	EventCancel  EventType = "cancel"
)

// JobEvent is an append-only audit row written in the same transaction as
// the transition it records.
type JobEvent struct {
	ID      int64     `json:"id"`
	JobID   string    `json:"jobId"`
	At      time.Time `json:"at"`
	Type    EventType `json:"type"`
	Message string    `json:"message"`
	Attempt int       `json:"attempt"`
}
