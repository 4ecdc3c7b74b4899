package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"cattle-orchestrator/internal/bootstrap"
	"cattle-orchestrator/internal/models"
	"cattle-orchestrator/internal/queue"
	"cattle-orchestrator/internal/ratelimit"
	"cattle-orchestrator/internal/store"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *queue.Engine
	broker *bootstrap.Broker
	srv    *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clock := func() time.Time { return testNow }
	engine := queue.New(st, queue.WithClock(clock))
	broker := bootstrap.NewBroker(st, bootstrap.WithClock(clock))
	opts = append([]Option{WithHealthCheck(st.Ping)}, opts...)
	srv := httptest.NewServer(New(engine, broker, opts...).Router())
	t.Cleanup(srv.Close)
	return &fixture{engine: engine, broker: broker, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string, header http.Header) (int, []byte, http.Header) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b, resp.Header
}

func decodeBody[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

const reapEnqueue = `{"protocolVersion":1,"requester":"maren","idempotencyKey":"msg-1","kind":"cattle.reap","payload":{"dryRun":true}}`

func TestJobsRoundTrip(t *testing.T) {
	f := newFixture(t)

	if code, body, _ := f.do(t, "GET", "/healthz", "", nil); code != 200 || !strings.Contains(string(body), `"ok":true`) {
		t.Fatalf("health: %d %s", code, body)
	}

	code, body, _ := f.do(t, "POST", "/v1/jobs/enqueue", reapEnqueue, nil)
	if code != 200 {
		t.Fatalf("enqueue: %d %s", code, body)
	}
	enq := decodeBody[models.EnqueueResponse](t, body)
	if enq.JobID == "" || enq.Deduped {
		t.Fatalf("unexpected enqueue response %+v", enq)
	}

	_, body, _ = f.do(t, "POST", "/v1/jobs/enqueue", reapEnqueue, nil)
	if again := decodeBody[models.EnqueueResponse](t, body); again.JobID != enq.JobID || !again.Deduped {
		t.Fatalf("expected dedupe, got %+v", again)
	}

	code, body, _ = f.do(t, "GET", "/v1/jobs?requester=maren&status=queued&kind=cattle.reap", "", nil)
	list := decodeBody[models.JobsListResponse](t, body)
	if code != 200 || len(list.Jobs) != 1 || list.Jobs[0].ID != enq.JobID {
		t.Fatalf("unexpected list %d %s", code, body)
	}

	code, body, _ = f.do(t, "GET", "/v1/jobs/"+enq.JobID, "", nil)
	show := decodeBody[models.JobShowResponse](t, body)
	if code != 200 || show.Job.ID != enq.JobID || string(show.Job.Payload) != `{"dryRun":true}` {
		t.Fatalf("unexpected show %d %s", code, body)
	}

	code, body, _ = f.do(t, "POST", "/v1/jobs/"+enq.JobID+"/cancel", "", nil)
	cancel := decodeBody[models.CancelResponse](t, body)
	if code != 200 || !cancel.Canceled || cancel.Status != models.StatusCanceled {
		t.Fatalf("unexpected cancel %d %s", code, body)
	}
	_, body, _ = f.do(t, "POST", "/v1/jobs/"+enq.JobID+"/cancel", "", nil)
	if again := decodeBody[models.CancelResponse](t, body); again.Canceled {
		t.Fatalf("second cancel should be a no-op: %s", body)
	}

	code, body, _ = f.do(t, "GET", "/v1/jobs/"+enq.JobID+"/events", "", nil)
	events := decodeBody[models.JobEventsResponse](t, body)
	if code != 200 || len(events.Events) != 2 || events.Events[0].Type != models.EventEnqueue || events.Events[1].Type != models.EventCancel {
		t.Fatalf("unexpected events %d %s", code, body)
	}
}

func TestNotFoundAndValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		method, path, body string
		code               int
	}{
		{"GET", "/v1/jobs/missing", "", 404},
		{"POST", "/v1/jobs/missing/cancel", "", 404},
		{"GET", "/v1/jobs/missing/events", "", 404},
		{"GET", "/nope", "", 404},
		{"DELETE", "/healthz", "", 404},
		{"POST", "/v1/jobs/enqueue", `{`, 400},
		{"POST", "/v1/jobs/enqueue", `{"protocolVersion":2,"requester":"a","kind":"cattle.reap"}`, 400},
		{"POST", "/v1/jobs/enqueue", `{"protocolVersion":1,"kind":"cattle.reap"}`, 400},
		{"POST", "/v1/jobs/enqueue", `{"protocolVersion":1,"requester":"a","kind":"image.resize"}`, 400},
		{"POST", "/v1/jobs/enqueue", `{"protocolVersion":1,"requester":"a","kind":"cattle.reap","payload":{"bogus":1}}`, 400},
		{"POST", "/v1/jobs/enqueue", `{"protocolVersion":1,"requester":"a","kind":"cattle.reap","extra":true}`, 400},
		{"GET", "/v1/jobs?status=sleeping", "", 400},
		{"GET", "/v1/jobs?limit=many", "", 400},
	}
	for _, tc := range cases {
		code, body, _ := f.do(t, tc.method, tc.path, tc.body, nil)
		if code != tc.code {
			t.Fatalf("%s %s: expected %d, got %d %s", tc.method, tc.path, tc.code, code, body)
		}
		if resp := decodeBody[models.ErrorResponse](t, body); resp.OK || resp.Error.Message == "" {
			t.Fatalf("%s %s: unexpected error body %s", tc.method, tc.path, body)
		}
	}
}

func TestCattleEnv(t *testing.T) {
	env := map[string]string{"OPENAI_API_KEY": "sk-live"}
	f := newFixture(t, WithLookupEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	ctx := context.Background()

	issued, err := f.broker.Create(ctx, bootstrap.CreateParams{
		JobID: "j1", Requester: "maren", CattleName: "cattle-rex-1",
		EnvKeys:   []string{"OPENAI_API_KEY"},
		PublicEnv: map[string]string{"CATTLE_IDENTITY": "rex"},
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	auth := http.Header{"Authorization": {"Bearer " + issued.Token}}

	code, body, hdr := f.do(t, "GET", "/v1/cattle/env", "", auth)
	if code != 200 {
		t.Fatalf("env: %d %s", code, body)
	}
	if hdr.Get("Cache-Control") != "no-store" || hdr.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing cache headers: %v", hdr)
	}
	resp := decodeBody[models.CattleEnvResponse](t, body)
	if resp.Env["OPENAI_API_KEY"] != "sk-live" || resp.Env["CATTLE_IDENTITY"] != "rex" {
		t.Fatalf("unexpected env %v", resp.Env)
	}

	if code, _, _ := f.do(t, "GET", "/v1/cattle/env", "", auth); code != 401 {
		t.Fatalf("expected 401 on reuse, got %d", code)
	}
	if code, _, _ := f.do(t, "GET", "/v1/cattle/env", "", nil); code != 401 {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code, _, _ := f.do(t, "GET", "/v1/cattle/env", "", http.Header{"Authorization": {"Basic abc"}}); code != 401 {
		t.Fatalf("expected 401 for basic auth, got %d", code)
	}

	missing, err := f.broker.Create(ctx, bootstrap.CreateParams{
		JobID: "j2", Requester: "maren", CattleName: "cattle-rex-2", EnvKeys: []string{"GITHUB_TOKEN"},
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	code, body, _ = f.do(t, "GET", "/v1/cattle/env", "", http.Header{"Authorization": {"Bearer " + missing.Token}})
	if code != 500 || !strings.Contains(string(body), "missing required env var on control plane: GITHUB_TOKEN") {
		t.Fatalf("expected 500 for unset key, got %d %s", code, body)
	}
}

func TestEnqueueRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	limiter := ratelimit.NewTokenBucket(client, 1, 0.5, ratelimit.WithClock(func() time.Time { return testNow }))
	f := newFixture(t, WithLimiter(limiter))

	if code, body, _ := f.do(t, "POST", "/v1/jobs/enqueue", reapEnqueue, nil); code != 200 {
		t.Fatalf("first enqueue: %d %s", code, body)
	}
	code, _, hdr := f.do(t, "POST", "/v1/jobs/enqueue", reapEnqueue, nil)
	if code != http.StatusTooManyRequests || hdr.Get("Retry-After") != "2" {
		t.Fatalf("expected 429 with Retry-After 2, got %d %q", code, hdr.Get("Retry-After"))
	}
	other := strings.Replace(reapEnqueue, "maren", "ops", 1)
	if code, _, _ := f.do(t, "POST", "/v1/jobs/enqueue", other, nil); code != 200 {
		t.Fatalf("other requester should not be limited, got %d", code)
	}
}

func TestHealthReportsStoreFailure(t *testing.T) {
	f := newFixture(t, WithHealthCheck(func(context.Context) error { return errors.New("db gone") }))
	if code, _, _ := f.do(t, "GET", "/healthz", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, WithStreamPoll(10*time.Millisecond))
	ctx := context.Background()
	first, err := f.engine.Enqueue(ctx, queue.EnqueueParams{Kind: "cattle.reap", Requester: "maren"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events/ws?after=0"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev models.JobEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read first event: %v", err)
	}
	if ev.JobID != first.JobID || ev.Type != models.EventEnqueue {
		t.Fatalf("unexpected first event %+v", ev)
	}

	if _, err := f.engine.Cancel(ctx, first.JobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read second event: %v", err)
	}
	if ev.JobID != first.JobID || ev.Type != models.EventCancel {
		t.Fatalf("unexpected second event %+v", ev)
	}

	if code, _, _ := f.do(t, "GET", "/v1/events/ws?after=-1", "", nil); code != 400 {
		t.Fatalf("expected 400 for negative after, got %d", code)
	}
}
