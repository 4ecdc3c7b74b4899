package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"cattle-orchestrator/internal/bootstrap"
	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/queue"
	"cattle-orchestrator/internal/ratelimit"
	"cattle-orchestrator/internal/store"
	"cattle-orchestrator/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Server wires HTTP handlers for the orchestrator API.
type Server struct {
	engine     *queue.Engine
	broker     *bootstrap.Broker
	limiter    ratelimit.Limiter
	health     func(context.Context) error
	lookupEnv  func(string) (string, bool)
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	streamPoll time.Duration
}

type Option func(*Server)

// WithLimiter enables per-requester rate limiting on enqueue.
func WithLimiter(l ratelimit.Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithHealthCheck makes /healthz report 503 when check fails.
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) { s.health = check }
}

// WithLookupEnv replaces os.LookupEnv for /v1/cattle/env.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(s *Server) { s.lookupEnv = lookup }
}

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = telemetry.Discard(l) } }

// WithStreamPoll sets how often the event stream polls for new events.
func WithStreamPoll(d time.Duration) Option { return func(s *Server) { s.streamPoll = d } }

// New constructs the API server.
func New(engine *queue.Engine, broker *bootstrap.Broker, opts ...Option) *Server {
	s := &Server{
		engine:     engine,
		broker:     broker,
		lookupEnv:  os.LookupEnv,
		logger:     slog.New(slog.DiscardHandler),
		streamPoll: time.Second,
		// Unix socket peers are local; there is no browser origin to check.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/enqueue", s.handleEnqueue)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/events", s.handleJobEvents)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Get("/v1/events/ws", s.handleEventStream)
	r.Get("/v1/cattle/env", s.handleCattleEnv)

	notFound := func(w http.ResponseWriter, _ *http.Request) { writeError(w, http.StatusNotFound, "not found") }
	r.NotFound(notFound)
	r.MethodNotAllowed(notFound)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "unhealthy")
			return
		}
	}
	writeJSON(w, http.StatusOK, models.HealthResponse{OK: true})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if req.ProtocolVersion != models.ProtocolVersion {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported protocolVersion %d", req.ProtocolVersion))
		return
	}
	requester := strings.TrimSpace(req.Requester)
	if requester == "" {
		writeError(w, http.StatusBadRequest, "requester is required")
		return
	}
	kind := strings.TrimSpace(req.Kind)
	if _, err := models.DecodePayload(kind, req.Payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), requester)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second)/time.Second)))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var runAt time.Time
	if req.RunAt > 0 {
		runAt = time.UnixMilli(req.RunAt)
	}
	res, err := s.engine.Enqueue(r.Context(), queue.EnqueueParams{
		Kind:           kind,
		Payload:        req.Payload,
		Requester:      requester,
		IdempotencyKey: req.IdempotencyKey,
		RunAt:          runAt,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if res.Deduped {
		telemetry.JobsDeduped.Inc()
	} else {
		telemetry.JobsEnqueued.WithLabelValues(kind).Inc()
		s.logger.Info("job enqueued", "job_id", res.JobID, "kind", kind, "requester", requester)
	}
	writeJSON(w, http.StatusOK, models.EnqueueResponse{OK: true, JobID: res.JobID, Deduped: res.Deduped})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.ListFilter{Requester: strings.TrimSpace(q.Get("requester"))}
	for _, raw := range splitList(q.Get("status")) {
		st, ok := models.ParseJobStatus(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", raw))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}
	f.Kinds = splitList(q.Get("kind"))
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	jobs, err := s.engine.List(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.JobsListResponse{OK: true, Jobs: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.JobShowResponse{OK: true, Job: job})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Get(r.Context(), id); err != nil {
		s.writeEngineError(w, err)
		return
	}
	events, err := s.engine.Events(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.JobEventsResponse{OK: true, Events: events})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	canceled, err := s.engine.Cancel(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	job, err := s.engine.Get(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if canceled {
		s.logger.Info("job canceled", "job_id", id)
	}
	writeJSON(w, http.StatusOK, models.CancelResponse{OK: true, JobID: id, Canceled: canceled, Status: job.Status})
}

// handleCattleEnv redeems a bootstrap token. Secret values are read from
// this process's environment at request time and never stored.
func (s *Server) handleCattleEnv(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	token, ok := bearerToken(r)
	if !ok {
		telemetry.TokenRedemptions.WithLabelValues("missing").Inc()
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	tok, err := s.broker.Consume(r.Context(), token, s.engine.Now())
	if err != nil {
		s.logger.Error("bootstrap token redemption failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token redemption failed")
		return
	}
	if tok == nil {
		telemetry.TokenRedemptions.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusUnauthorized, "invalid/expired token")
		return
	}
	env, err := bootstrap.ResolveEnv(tok, s.lookupEnv)
	if err != nil {
		telemetry.TokenRedemptions.WithLabelValues("missing_env").Inc()
		s.logger.Error("bootstrap env incomplete", "job_id", tok.JobID, "cattle", tok.CattleName, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	telemetry.TokenRedemptions.WithLabelValues("ok").Inc()
	s.logger.Info("bootstrap token redeemed", "job_id", tok.JobID, "cattle", tok.CattleName, "keys", len(tok.EnvKeys))
	writeJSON(w, http.StatusOK, models.CattleEnvResponse{OK: true, Env: env})
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, models.ErrorResponse{OK: false, Error: models.ErrorDetail{Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
