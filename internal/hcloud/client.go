// Package hcloud adapts the Hetzner Cloud API to fleet.Provider.
package hcloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"cattle-orchestrator/internal/fleet"
	"cattle-orchestrator/internal/models"
)

// RequestTimeout bounds every API call.
const RequestTimeout = 15 * time.Second

// Client implements fleet.Provider on top of hcloud-go.
type Client struct {
	api     *hcloud.Client
	logger  *slog.Logger
	timeout time.Duration
}

type Option func(*options)

type options struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
	version    string
}

// WithEndpoint points the client at a different API base URL.
func WithEndpoint(url string) Option { return func(o *options) { o.endpoint = url } }

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithVersion sets the application version reported in the User-Agent.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// New builds a client authenticated with token.
func New(token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.New("missing HCLOUD_TOKEN")
	}
	o := options{
		httpClient: &http.Client{Timeout: RequestTimeout},
		logger:     slog.New(slog.DiscardHandler),
		version:    "dev",
	}
	for _, opt := range opts {
		opt(&o)
	}
	hopts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication("clf-orchestrator", o.version),
		hcloud.WithHTTPClient(o.httpClient),
	}
	if o.endpoint != "" {
		hopts = append(hopts, hcloud.WithEndpoint(o.endpoint))
	}
	return &Client{api: hcloud.NewClient(hopts...), logger: o.logger, timeout: RequestTimeout}, nil
}

var _ fleet.Provider = (*Client)(nil)

func (c *Client) ListServers(ctx context.Context, selector string) ([]models.CattleInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	servers, err := c.api.Server.AllWithOpts(ctx, hcloud.ServerListOpts{
		ListOpts: hcloud.ListOpts{LabelSelector: selector, PerPage: 50},
	})
	if err != nil {
		return nil, wrapError("list servers", nil, err)
	}
	out := make([]models.CattleInstance, 0, len(servers))
	for _, s := range servers {
		out = append(out, toInstance(s))
	}
	return out, nil
}

func (c *Client) CreateServer(ctx context.Context, opts fleet.CreateServerOpts) (models.CattleInstance, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := true
	createOpts := hcloud.ServerCreateOpts{
		Name:             opts.Name,
		ServerType:       &hcloud.ServerType{Name: opts.ServerType},
		Image:            &hcloud.Image{Name: opts.Image},
		UserData:         opts.UserData,
		Labels:           opts.Labels,
		StartAfterCreate: &start,
	}
	if opts.Location != "" {
		createOpts.Location = &hcloud.Location{Name: opts.Location}
	}
	res, resp, err := c.api.Server.Create(ctx, createOpts)
	if err != nil {
		return models.CattleInstance{}, wrapError("create server", resp, err)
	}
	if res.Server == nil {
		return models.CattleInstance{}, &fleet.ProviderError{Op: "create server", Status: statusOf(resp), Err: errors.New("response has no server")}
	}
	c.logger.Info("server created", "server_id", res.Server.ID, "name", res.Server.Name)
	return toInstance(res.Server), nil
}

func (c *Client) GetServer(ctx context.Context, id string) (models.CattleInstance, error) {
	sid, err := parseID(id)
	if err != nil {
		return models.CattleInstance{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	s, resp, err := c.api.Server.GetByID(ctx, sid)
	if err != nil {
		return models.CattleInstance{}, wrapError("get server", resp, err)
	}
	if s == nil {
		return models.CattleInstance{}, &fleet.ProviderError{Op: "get server", Status: http.StatusNotFound, Err: fmt.Errorf("server %s not found", id)}
	}
	return toInstance(s), nil
}

func (c *Client) DeleteServer(ctx context.Context, id string) error {
	sid, err := parseID(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, resp, err := c.api.Server.DeleteWithResult(ctx, &hcloud.Server{ID: sid})
	if err != nil {
		return wrapError("delete server", resp, err)
	}
	return nil
}

func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return 0, &fleet.ProviderError{Op: "parse server id", Status: http.StatusBadRequest, Err: fmt.Errorf("invalid server id %q", id)}
	}
	return n, nil
}

func toInstance(s *hcloud.Server) models.CattleInstance {
	ipv4 := ""
	if s.PublicNet.IPv4.IP != nil && !s.PublicNet.IPv4.IP.IsUnspecified() {
		ipv4 = s.PublicNet.IPv4.IP.String()
	}
	return fleet.InstanceFromLabels(strconv.FormatInt(s.ID, 10), s.Name, MapStatus(s.Status), ipv4, s.Created, s.Labels)
}

// MapStatus normalizes provider server states.
func MapStatus(status hcloud.ServerStatus) string {
	switch status {
	case hcloud.ServerStatusRunning:
		return models.InstanceRunning
	case hcloud.ServerStatusStarting, hcloud.ServerStatusInitializing:
		return models.InstanceStarting
	case hcloud.ServerStatusStopping, hcloud.ServerStatusDeleting:
		return models.InstanceStopping
	case hcloud.ServerStatusOff:
		return models.InstanceOff
	}
	return models.InstanceUnknown
}

func statusOf(resp *hcloud.Response) int {
	if resp == nil || resp.Response == nil {
		return 0
	}
	return resp.StatusCode
}

// wrapError converts an hcloud-go error into a *fleet.ProviderError. The
// HTTP status comes from the response when available, otherwise from the
// API error code.
func wrapError(op string, resp *hcloud.Response, err error) error {
	status := statusOf(resp)
	if status == 0 {
		var apiErr hcloud.Error
		if errors.As(err, &apiErr) {
			status = statusForCode(string(apiErr.Code))
		}
	}
	return &fleet.ProviderError{Op: op, Status: status, Err: err}
}

func statusForCode(code string) int {
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "rate_limit_exceeded":
		return http.StatusTooManyRequests
	case "unauthorized":
		return http.StatusUnauthorized
	case "forbidden":
		return http.StatusForbidden
	case "invalid_input", "uniqueness_error", "json_error":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	case "locked", "resource_unavailable", "resource_limit_exceeded", "placement_error":
		return http.StatusUnprocessableEntity
	case "timeout":
		return http.StatusGatewayTimeout
	case "maintenance", "unavailable":
		return http.StatusServiceUnavailable
	case "service_error":
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
