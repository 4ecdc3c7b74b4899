// Package client talks to the orchestrator API over its Unix socket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"cattle-orchestrator/internal/models"
)

// The host part is ignored by the unix dialer.
const baseURL = "http://clf"

// APIError is a non-2xx response from the orchestrator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the orchestrator.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	socketPath string
	http       *http.Client
}

func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{DialContext: dial},
		},
	}
}

func (c *Client) Health(ctx context.Context) error {
	var out models.HealthResponse
	return c.do(ctx, http.MethodGet, "/healthz", nil, &out)
}

// EnqueueParams is the caller-facing form of an enqueue request.
type EnqueueParams struct {
	Requester      string
	IdempotencyKey string
	Kind           string
	Payload        any
	RunAt          time.Time
	Priority       int
	MaxAttempts    int
}

func (c *Client) Enqueue(ctx context.Context, p EnqueueParams) (models.EnqueueResponse, error) {
	req := models.EnqueueRequest{
		ProtocolVersion: models.ProtocolVersion,
		Requester:       p.Requester,
		IdempotencyKey:  p.IdempotencyKey,
		Kind:            p.Kind,
		Priority:        p.Priority,
		MaxAttempts:     p.MaxAttempts,
	}
	if !p.RunAt.IsZero() {
		req.RunAt = p.RunAt.UnixMilli()
	}
	switch v := p.Payload.(type) {
	case nil:
		req.Payload = json.RawMessage(`{}`)
	case json.RawMessage:
		req.Payload = v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return models.EnqueueResponse{}, fmt.Errorf("encode payload: %w", err)
		}
		req.Payload = raw
	}
	var out models.EnqueueResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs/enqueue", req, &out)
	return out, err
}

// ListOptions filters List. Empty fields are not sent.
type ListOptions struct {
	Requester string
	Statuses  []models.JobStatus
	Kinds     []string
	Limit     int
}

func (c *Client) List(ctx context.Context, o ListOptions) ([]models.Job, error) {
	q := url.Values{}
	if o.Requester != "" {
		q.Set("requester", o.Requester)
	}
	if len(o.Statuses) > 0 {
		parts := make([]string, len(o.Statuses))
		for i, s := range o.Statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if len(o.Kinds) > 0 {
		q.Set("kind", strings.Join(o.Kinds, ","))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	path := "/v1/jobs"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	var out models.JobsListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) Show(ctx context.Context, jobID string) (models.Job, error) {
	var out models.JobShowResponse
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &out)
	return out.Job, err
}

func (c *Client) Events(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	var out models.JobEventsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID)+"/events", nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) (models.CancelResponse, error) {
	var out models.CancelResponse
	err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out)
	return out, err
}

// Follow streams job events newer than after until ctx is canceled or fn
// returns an error. A negative after starts at the newest event.
func (c *Client) Follow(ctx context.Context, after int64, fn func(models.JobEvent) error) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", c.socketPath)
		},
	}
	target := "ws://clf/v1/events/ws"
	if after >= 0 {
		target += "?after=" + strconv.FormatInt(after, 10)
	}
	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return decodeError(resp)
		}
		return fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var ev models.JobEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var e models.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &e) == nil && e.Error.Message != "" {
		msg = e.Error.Message
	}
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
