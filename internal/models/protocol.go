package models

import "encoding/json"

// ProtocolVersion is the only accepted enqueue protocol version.
const ProtocolVersion = 1

// EnqueueRequest is the body of POST /v1/jobs/enqueue. RunAt is unix
// milliseconds; zero means now.
type EnqueueRequest struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Requester       string          `json:"requester"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RunAt           int64           `json:"runAt,omitempty"`
	Priority        int             `json:"priority,omitempty"`
	MaxAttempts     int             `json:"maxAttempts,omitempty"`
}

type EnqueueResponse struct {
	OK      bool   `json:"ok"`
	JobID   string `json:"jobId"`
	Deduped bool   `json:"deduped"`
}

type JobsListResponse struct {
	OK   bool  `json:"ok"`
	Jobs []Job `json:"jobs"`
}

type JobShowResponse struct {
	OK  bool `json:"ok"`
	Job Job  `json:"job"`
}

type JobEventsResponse struct {
	OK     bool       `json:"ok"`
	Events []JobEvent `json:"events"`
}

// CancelResponse reports whether the job moved to canceled. Canceled is
// false for jobs that were already terminal.
type CancelResponse struct {
	OK       bool      `json:"ok"`
	JobID    string    `json:"jobId"`
	Canceled bool      `json:"canceled"`
	Status   JobStatus `json:"status"`
}

type CattleEnvResponse struct {
	OK  bool              `json:"ok"`
	Env map[string]string `json:"env"`
}

type HealthResponse struct {
	OK bool `json:"ok"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	OK    bool        `json:"ok"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
}
